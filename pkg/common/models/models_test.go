package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDonationDecodesWireFormat(t *testing.T) {
	raw := `{"id":"d1","donation_date":"2021-09-12","first_name":"Jane","last_name":"Doe",
		"house_no":"1","postcode":"n1 1aa","overseas":false,"amount":12.50,"org_hmrc_ref":"ab12345"}`

	var d Donation
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.DonationDate.String() != "2021-09-12" {
		t.Fatalf("unexpected date %s", d.DonationDate)
	}
	if !d.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected amount %s", d.Amount)
	}
}

func TestDonationResultNullsEmptyFields(t *testing.T) {
	d := Donation{ID: "d1", DonationDate: NewDate(2021, 9, 12), Amount: AmountOf(decimal.NewFromInt(10))}

	out, err := json.Marshal(NewDonationResult(d, DonationOutcome{ID: "d1", Success: false}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(out)
	for _, want := range []string{`"response_success":false`, `"response_detail":null`, `"submission_correlation_id":null`, `"amount":10`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}

	out, _ = json.Marshal(NewDonationResult(d, DonationOutcome{ID: "d1", Success: true, Detail: "<xml/>", CorrelationID: "X"}))
	if !strings.Contains(string(out), `"submission_correlation_id":"X"`) {
		t.Fatalf("correlation id missing: %s", out)
	}
}

func TestBatchIDsSorted(t *testing.T) {
	b := Batch{"b": {ID: "b"}, "a": {ID: "a"}}
	ids := b.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestAmountAcceptsQuotedDecimal(t *testing.T) {
	var d Donation
	if err := json.Unmarshal([]byte(`{"id":"d1","amount":"7.25"}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(d.Amount)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "7.25" {
		t.Fatalf("expected amount as a bare number, got %s", out)
	}
	if decimal.MarshalJSONWithoutQuotes {
		t.Fatal("package-wide decimal JSON setting must stay untouched")
	}
}
