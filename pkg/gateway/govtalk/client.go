// Package govtalk submits Gift Aid claims to the HMRC Transaction Engine and polls for their results.
package govtalk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/claimbot/claimbot/pkg/claim"
	"github.com/claimbot/claimbot/pkg/common/config"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/claimbot/claimbot/pkg/gateway/httpclient"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

const (
	LiveSubmissionURL = "https://transaction-engine.tax.service.gov.uk/submission"
	LivePollURL       = "https://transaction-engine.tax.service.gov.uk/poll"
	TestSubmissionURL = "https://test-transaction-engine.tax.service.gov.uk/submission"
	TestPollURL       = "https://test-transaction-engine.tax.service.gov.uk/poll"

	pollAttempts = 3
	maxBodyBytes = 10 << 20
)

var (
	gadLocation    = regexp.MustCompile(`GAD\[(\d+)\]`)
	authValue      = regexp.MustCompile(`(?s)<Value>.*?</Value>`)
	recognisedRegs = map[string]struct{}{"CCEW": {}, "CCNI": {}, "OSCR": {}}
)

// Client implements claim.Gateway over GovTalk XML.
type Client struct {
	cfg   *config.Config
	agent config.AgentAddress
	http  *http.Client
	now   func() time.Time
	log   *logrus.Entry

	mu        sync.Mutex
	submitted map[string][]string
}

func NewClient(cfg *config.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.New(cfg.RequestTimeout)
	}
	return &Client{
		cfg:       cfg,
		agent:     config.ParseAgentAddress(cfg.AgentAddress),
		http:      httpClient,
		now:       time.Now,
		log:       logger.Component("govtalk"),
		submitted: make(map[string][]string),
	}
}

// SubmissionURL is the configured endpoint, or HMRC's for the current environment.
func (c *Client) SubmissionURL() string {
	if c.cfg.SubmissionURL != "" {
		return c.cfg.SubmissionURL
	}
	if c.cfg.IsProduction() {
		return LiveSubmissionURL
	}
	return TestSubmissionURL
}

func (c *Client) DefaultPollURL() string {
	if c.cfg.PollURL != "" {
		return c.cfg.PollURL
	}
	if c.cfg.IsProduction() {
		return LivePollURL
	}
	return TestPollURL
}

func (c *Client) Submit(ctx context.Context, donations []models.Donation, org models.ClaimingOrganisation, claimToDate models.Date) (*claim.SubmitResponse, error) {
	env, err := c.claimEnvelope(donations, org, claimToDate)
	if err != nil {
		return nil, err
	}

	transactionID := env.Header.MessageDetails.TransactionID
	raw, err := c.send(ctx, c.SubmissionURL(), env, transactionID, logger.GiftAidRequest, logger.GiftAidResponse)
	if err != nil {
		return nil, fmt.Errorf("submit claim for %s: %w", org.HMRCRef, err)
	}

	ids := make([]string, len(donations))
	for i, d := range donations {
		ids[i] = d.ID
	}

	parsed, err := parse(raw)
	if err != nil {
		return nil, err
	}

	resp := &claim.SubmitResponse{
		CorrelationID: strings.TrimSpace(parsed.Header.MessageDetails.CorrelationID),
		Endpoint:      strings.TrimSpace(parsed.Header.MessageDetails.ResponseEndPoint.URL),
		PollInterval:  pollInterval(parsed.Header.MessageDetails.ResponseEndPoint.PollInterval),
		Errors:        collectErrors(parsed, ids),
	}
	if resp.CorrelationID != "" {
		c.mu.Lock()
		c.submitted[resp.CorrelationID] = ids
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *Client) Poll(ctx context.Context, correlationID, endpoint string) (*claim.PollResponse, error) {
	if endpoint == "" {
		endpoint = c.DefaultPollURL()
	}
	env := c.baseEnvelope("poll", "submit", correlationID)
	transactionID := env.Header.MessageDetails.TransactionID

	var raw []byte
	err := httpclient.RetryIf(ctx, pollAttempts, 250*time.Millisecond, httpclient.IsRetriable, func() error {
		var sendErr error
		raw, sendErr = c.send(ctx, endpoint, env, transactionID, logger.GiftAidPollRequest, logger.GiftAidPollResponse)
		return sendErr
	})
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", correlationID, err)
	}

	parsed, err := parse(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ids := c.submitted[correlationID]
	c.mu.Unlock()

	resp := &claim.PollResponse{
		Qualifier:       strings.TrimSpace(parsed.Header.MessageDetails.Qualifier),
		CorrelationID:   correlationID,
		Endpoint:        strings.TrimSpace(parsed.Header.MessageDetails.ResponseEndPoint.URL),
		PollInterval:    pollInterval(parsed.Header.MessageDetails.ResponseEndPoint.PollInterval),
		Errors:          collectErrors(parsed, ids),
		ResponseMessage: string(raw),
	}

	if resp.Qualifier == claim.QualifierResponse || resp.Qualifier == claim.QualifierError {
		c.deleteRequest(ctx, correlationID, endpoint)
		c.mu.Lock()
		delete(c.submitted, correlationID)
		c.mu.Unlock()
	}
	return resp, nil
}

// deleteRequest asks the gateway to drop a resolved submission. Failures are only logged.
func (c *Client) deleteRequest(ctx context.Context, correlationID, endpoint string) {
	env := c.baseEnvelope("request", "delete", correlationID)
	if _, err := c.send(ctx, endpoint, env, env.Header.MessageDetails.TransactionID, "", ""); err != nil {
		c.log.WithError(err).WithField("correlation_id", correlationID).Warn("Delete request failed")
	}
}

func (c *Client) baseEnvelope(qualifier, function, correlationID string) *envelope {
	env := &envelope{
		EnvelopeVersion: "2.0",
		Header: header{
			MessageDetails: messageDetails{
				Class:          messageClass,
				Qualifier:      qualifier,
				Function:       function,
				TransactionID:  strings.ReplaceAll(uuid.New().String(), "-", ""),
				CorrelationID:  correlationID,
				Transformation: "XML",
			},
		},
	}
	if !c.cfg.IsProduction() {
		env.Header.MessageDetails.GatewayTest = "1"
	}
	return env
}

func (c *Client) claimEnvelope(donations []models.Donation, org models.ClaimingOrganisation, claimToDate models.Date) (*envelope, error) {
	env := c.baseEnvelope("request", "submit", "")
	env.Header.SenderDetails = &senderDetails{
		IDAuthentication: idAuthentication{
			SenderID: c.cfg.SenderID,
			Authentication: authentication{
				Method: "clear",
				Role:   "principal",
				Value:  c.cfg.SenderPassword,
			},
		},
	}
	env.GovTalkDetails = govTalkDetails{
		Keys:          []key{{Type: "CHARID", Value: c.charID(org)}},
		TargetDetails: &targetDetails{Organisation: "HMRC"},
		ChannelRouting: &channelRouting{Channel: channel{
			URI:     c.cfg.VendorID,
			Product: c.cfg.ProductName,
			Version: c.cfg.Version,
		}},
	}

	ir := &irEnvelope{
		IRheader: irHeader{
			Keys:            []key{{Type: "CHARID", Value: c.charID(org)}},
			PeriodEnd:       claimToDate.String(),
			DefaultCurrency: "GBP",
			Sender:          "Individual",
		},
		R68: r68{
			Declaration: "yes",
			Claim: claimBody{
				OrgName:   org.Name,
				HMRCref:   org.HMRCRef,
				Regulator: regulatorFor(org),
				Repayment: repayment{EarliestGAdate: earliest(donations).String()},
			},
		},
	}
	if c.cfg.AgentNo != "" {
		ir.IRheader.Sender = "Agent"
		ir.R68.AgtOrNom = &agent{
			OrgName: c.cfg.AgentName,
			RefNo:   c.cfg.AgentNo,
			ClaimNo: c.cfg.ClaimNo(c.now()),
			Phone:   c.cfg.AgentPhone,
		}
		if len(c.agent.Lines) > 0 {
			ir.R68.AgtOrNom.Address = &address{
				Line:     c.agent.Lines,
				Postcode: c.agent.Postcode,
				Country:  c.agent.Country,
			}
		}
	}

	for _, d := range donations {
		entry := gad{
			Donor: donor{
				Ttl:   d.Title,
				Fore:  d.FirstName,
				Sur:   d.LastName,
				House: d.HouseNo,
			},
			Date:  d.DonationDate.String(),
			Total: d.Amount.StringFixed(2),
		}
		if d.Overseas || d.Postcode == "" {
			entry.Donor.Overseas = "yes"
		} else {
			entry.Donor.Postcode = d.Postcode
		}
		if d.Sponsored {
			entry.Sponsored = "yes"
		}
		ir.R68.Claim.Repayment.GAD = append(ir.R68.Claim.Repayment.GAD, entry)
	}

	if c.cfg.SkipCompression {
		env.Body.IRenvelope = ir
		return env, nil
	}

	part, err := compress(ir)
	if err != nil {
		return nil, err
	}
	env.Body.CompressedPart = part
	return env, nil
}

func (c *Client) charID(org models.ClaimingOrganisation) string {
	if c.cfg.AgentNo != "" {
		return c.cfg.AgentNo
	}
	return org.HMRCRef
}

// send posts env and returns the raw response. Empty kinds skip message logging.
func (c *Client) send(ctx context.Context, url string, env *envelope, transactionID, requestKind, responseKind string) ([]byte, error) {
	payload, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode GovTalk message: %w", err)
	}
	payload = append([]byte(xml.Header), payload...)

	if requestKind != "" {
		c.log.WithFields(logrus.Fields{
			logger.FieldGiftAidMessage: requestKind,
			logger.FieldTransactionID:  transactionID,
		}).Info(redact(string(payload)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if responseKind != "" {
		c.log.WithFields(logrus.Fields{
			logger.FieldGiftAidMessage: responseKind,
			logger.FieldTransactionID:  transactionID,
		}).Info(string(raw))
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &httpclient.StatusError{StatusCode: res.StatusCode}
	}
	return raw, nil
}

func parse(raw []byte) (*response, error) {
	var parsed response
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode GovTalk response: %w", err)
	}
	return &parsed, nil
}

// collectErrors sorts GovTalk and body errors into tiers. Business errors located at the
// n-th GAD element are tagged with the n-th submitted donation id.
func collectErrors(parsed *response, ids []string) *claim.RawErrors {
	all := append(append([]responseError(nil), parsed.GovTalkDetails.Errors...), parsed.Body.Errors...)
	if len(all) == 0 {
		return nil
	}

	errs := &claim.RawErrors{}
	for _, e := range all {
		item := claim.RawError{
			Number:   strings.TrimSpace(e.Number),
			Text:     strings.TrimSpace(e.Text),
			Message:  strings.TrimSpace(e.Message),
			Location: strings.TrimSpace(e.Location),
		}
		switch strings.ToLower(strings.TrimSpace(e.Type)) {
		case "business":
			item.DonationID = donationAt(item.Location, ids)
			errs.Business = append(errs.Business, item)
		case "recoverable":
			errs.Recoverable = append(errs.Recoverable, item)
		case "warning":
			errs.Warning = append(errs.Warning, item)
		default:
			errs.Fatal = append(errs.Fatal, item)
		}
	}
	return errs
}

func donationAt(location string, ids []string) string {
	m := gadLocation.FindStringSubmatch(location)
	if m == nil {
		return ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > len(ids) {
		return ""
	}
	return ids[n-1]
}

func pollInterval(raw string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func regulatorFor(org models.ClaimingOrganisation) *regulator {
	name := strings.ToUpper(strings.TrimSpace(org.Regulator))
	if _, ok := recognisedRegs[name]; ok && org.RegNo != "" {
		return &regulator{RegName: name, RegNo: org.RegNo}
	}
	return &regulator{NoReg: "yes"}
}

func earliest(donations []models.Donation) models.Date {
	var first models.Date
	for _, d := range donations {
		if first.IsZero() || d.DonationDate.Before(first.Time) {
			first = d.DonationDate
		}
	}
	return first
}

func compress(ir *irEnvelope) (*compressedPart, error) {
	inner, err := xml.Marshal(ir)
	if err != nil {
		return nil, fmt.Errorf("encode claim body: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(inner); err != nil {
		return nil, fmt.Errorf("compress claim body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress claim body: %w", err)
	}
	return &compressedPart{Type: "gzip", Value: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}

func redact(payload string) string {
	return authValue.ReplaceAllString(payload, "<Value>[redacted]</Value>")
}
