package gateway

import (
	"fmt"
	"strings"

	"github.com/mbd888/taskpay/internal/apperr"
)

// PayoutMethod is how a withdrawal reaches the earner.
type PayoutMethod string

const (
	MethodFlutterwave   PayoutMethod = "flutterwave"
	MethodPayPal        PayoutMethod = "paypal"
	MethodWise          PayoutMethod = "wise"
	MethodStripeConnect PayoutMethod = "stripe-connect"
	MethodStripeBank    PayoutMethod = "stripe-bank"
)

var methodKinds = map[PayoutMethod]Kind{
	MethodFlutterwave:   KindFlutterwave,
	MethodPayPal:        KindPayPal,
	MethodWise:          KindWise,
	MethodStripeConnect: KindStripe,
	MethodStripeBank:    KindStripe,
}

// ParsePayoutMethod validates a payout method name.
func ParsePayoutMethod(s string) (PayoutMethod, error) {
	m := PayoutMethod(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := methodKinds[m]; !ok {
		return "", apperr.Validation("gateway", fmt.Sprintf("unsupported payout gateway %q", s))
	}
	return m, nil
}

// Kind returns the processor that executes the method.
func (m PayoutMethod) Kind() Kind {
	return methodKinds[m]
}

// Recipient detail keys.
const (
	FieldBankCode          = "bankCode"
	FieldAccountNumber     = "accountNumber"
	FieldPayPalEmail       = "paypalEmail"
	FieldRecipientID       = "recipientId"
	FieldStripeAccountID   = "stripeAccountId"
	FieldAccountHolderName = "accountHolderName"
	FieldRoutingNumber     = "routingNumber"
	FieldIBAN              = "iban"
	FieldSortCode          = "sortCode"
	FieldSwiftCode         = "swiftCode"
)

var requiredFields = map[PayoutMethod][]string{
	MethodFlutterwave:   {FieldBankCode, FieldAccountNumber},
	MethodPayPal:        {FieldPayPalEmail},
	MethodStripeConnect: {FieldStripeAccountID},
	MethodStripeBank:    {FieldAccountHolderName, FieldAccountNumber, FieldRoutingNumber},
}

// wiseFields lists the bank details Wise needs per target currency.
var wiseFields = map[string][]string{
	"USD": {FieldAccountHolderName, FieldAccountNumber, FieldRoutingNumber},
	"EUR": {FieldAccountHolderName, FieldIBAN},
	"GBP": {FieldAccountHolderName, FieldSortCode, FieldAccountNumber},
	"NGN": {FieldAccountHolderName, FieldBankCode, FieldAccountNumber},
}

var wiseDefaultFields = []string{FieldAccountHolderName, FieldAccountNumber, FieldSwiftCode}

// WiseRequiredFields returns the bank details Wise needs for currency.
func WiseRequiredFields(currency string) []string {
	if f, ok := wiseFields[strings.ToUpper(currency)]; ok {
		return f
	}
	return wiseDefaultFields
}

// ValidateRecipient checks that details carry every field method needs,
// and reports the first missing one. A Wise recipient may instead name a
// pre-existing recipientId.
func ValidateRecipient(method PayoutMethod, currency string, details map[string]string) error {
	var required []string
	if method == MethodWise {
		if present(details, FieldRecipientID) {
			return nil
		}
		required = WiseRequiredFields(currency)
	} else {
		var ok bool
		if required, ok = requiredFields[method]; !ok {
			return apperr.Validation("gateway", fmt.Sprintf("unsupported payout gateway %q", method))
		}
	}

	for _, field := range required {
		if !present(details, field) {
			return apperr.Validation("recipientDetails."+field, "is required for "+string(method)+" payouts")
		}
	}
	if method == MethodPayPal && !strings.Contains(details[FieldPayPalEmail], "@") {
		return apperr.Validation("recipientDetails."+FieldPayPalEmail, "must be an email address")
	}
	return nil
}

func present(details map[string]string, field string) bool {
	return strings.TrimSpace(details[field]) != ""
}
