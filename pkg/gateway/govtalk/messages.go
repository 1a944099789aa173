package govtalk

import "encoding/xml"

const messageClass = "HMRC-CHAR-CLM"

type envelope struct {
	XMLName         xml.Name       `xml:"http://www.govtalk.gov.uk/CM/envelope GovTalkMessage"`
	EnvelopeVersion string         `xml:"EnvelopeVersion"`
	Header          header         `xml:"Header"`
	GovTalkDetails  govTalkDetails `xml:"GovTalkDetails"`
	Body            body           `xml:"Body"`
}

type header struct {
	MessageDetails messageDetails `xml:"MessageDetails"`
	SenderDetails  *senderDetails `xml:"SenderDetails,omitempty"`
}

type messageDetails struct {
	Class          string `xml:"Class"`
	Qualifier      string `xml:"Qualifier"`
	Function       string `xml:"Function"`
	TransactionID  string `xml:"TransactionID,omitempty"`
	CorrelationID  string `xml:"CorrelationID"`
	Transformation string `xml:"Transformation,omitempty"`
	GatewayTest    string `xml:"GatewayTest,omitempty"`
}

type senderDetails struct {
	IDAuthentication idAuthentication `xml:"IDAuthentication"`
}

type idAuthentication struct {
	SenderID       string         `xml:"SenderID"`
	Authentication authentication `xml:"Authentication"`
}

type authentication struct {
	Method string `xml:"Method"`
	Role   string `xml:"Role"`
	Value  string `xml:"Value"`
}

type govTalkDetails struct {
	Keys           []key           `xml:"Keys>Key"`
	TargetDetails  *targetDetails  `xml:"TargetDetails,omitempty"`
	ChannelRouting *channelRouting `xml:"ChannelRouting,omitempty"`
}

type key struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}

type targetDetails struct {
	Organisation string `xml:"Organisation"`
}

type channelRouting struct {
	Channel channel `xml:"Channel"`
}

type channel struct {
	URI     string `xml:"URI"`
	Product string `xml:"Product"`
	Version string `xml:"Version"`
}

type body struct {
	IRenvelope     *irEnvelope     `xml:"IRenvelope,omitempty"`
	CompressedPart *compressedPart `xml:"CompressedPart,omitempty"`
}

type compressedPart struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}

type irEnvelope struct {
	XMLName  xml.Name `xml:"http://www.govtalk.gov.uk/taxation/charities/r68/2 IRenvelope"`
	IRheader irHeader `xml:"IRheader"`
	R68      r68      `xml:"R68"`
}

type irHeader struct {
	Keys            []key  `xml:"Keys>Key"`
	PeriodEnd       string `xml:"PeriodEnd"`
	DefaultCurrency string `xml:"DefaultCurrency"`
	Sender          string `xml:"Sender"`
}

type r68 struct {
	AgtOrNom    *agent    `xml:"AgtOrNom,omitempty"`
	Declaration string    `xml:"Declaration"`
	Claim       claimBody `xml:"Claim"`
}

type agent struct {
	OrgName string   `xml:"OrgName"`
	RefNo   string   `xml:"RefNo"`
	ClaimNo string   `xml:"ClaimNo"`
	Address *address `xml:"Address,omitempty"`
	Phone   string   `xml:"Phone,omitempty"`
}

type address struct {
	Line     []string `xml:"Line"`
	Postcode string   `xml:"Postcode,omitempty"`
	Country  string   `xml:"Country,omitempty"`
}

type claimBody struct {
	OrgName   string     `xml:"OrgName"`
	HMRCref   string     `xml:"HMRCref"`
	Regulator *regulator `xml:"Regulator,omitempty"`
	Repayment repayment  `xml:"Repayment"`
}

type regulator struct {
	RegName string `xml:"RegName,omitempty"`
	RegNo   string `xml:"RegNo,omitempty"`
	NoReg   string `xml:"NoReg,omitempty"`
}

type repayment struct {
	GAD            []gad  `xml:"GAD"`
	EarliestGAdate string `xml:"EarliestGAdate"`
}

type gad struct {
	Donor     donor  `xml:"Donor"`
	Sponsored string `xml:"Sponsored,omitempty"`
	Date      string `xml:"Date"`
	Total     string `xml:"Total"`
}

type donor struct {
	Ttl      string `xml:"Ttl,omitempty"`
	Fore     string `xml:"Fore"`
	Sur      string `xml:"Sur"`
	House    string `xml:"House"`
	Postcode string `xml:"Postcode,omitempty"`
	Overseas string `xml:"Overseas,omitempty"`
}

// response is decoded without namespaces so any envelope revision parses.
type response struct {
	Header struct {
		MessageDetails struct {
			Qualifier        string `xml:"Qualifier"`
			Function         string `xml:"Function"`
			CorrelationID    string `xml:"CorrelationID"`
			ResponseEndPoint struct {
				PollInterval string `xml:"PollInterval,attr"`
				URL          string `xml:",chardata"`
			} `xml:"ResponseEndPoint"`
		} `xml:"MessageDetails"`
	} `xml:"Header"`
	GovTalkDetails struct {
		Errors []responseError `xml:"GovTalkErrors>Error"`
	} `xml:"GovTalkDetails"`
	Body struct {
		Errors []responseError `xml:"ErrorResponse>Error"`
	} `xml:"Body"`
}

type responseError struct {
	RaisedBy string `xml:"RaisedBy"`
	Number   string `xml:"Number"`
	Type     string `xml:"Type"`
	Text     string `xml:"Text"`
	Message  string `xml:"Message"`
	Location string `xml:"Location"`
}
