package wizard

import "strings"

// Section groups related fields of the draft.
type Section string

const (
	SectionSelection Section = "selection"
	SectionSchedule  Section = "schedule"
	SectionContact   Section = "contact"
	SectionBilling   Section = "billing"
	SectionPayment   Section = "payment"
	SectionBooking   Section = "booking"
)

// FieldKey names one value in the draft, written as "<section>.<name>".
type FieldKey string

const (
	FieldConsultantID FieldKey = "selection.consultantId"
	FieldTopic        FieldKey = "selection.topic"

	FieldDate     FieldKey = "schedule.date"
	FieldTimeSlot FieldKey = "schedule.timeSlot"
	FieldTimezone FieldKey = "schedule.timezone"

	FieldFirstName FieldKey = "contact.firstName"
	FieldLastName  FieldKey = "contact.lastName"
	FieldEmail     FieldKey = "contact.email"
	FieldPhone     FieldKey = "contact.phone"
	FieldCompany   FieldKey = "contact.company"
	FieldMessage   FieldKey = "contact.message"

	FieldBillingName   FieldKey = "billing.name"
	FieldBillingStreet FieldKey = "billing.street"
	FieldBillingCity   FieldKey = "billing.city"
	FieldPostalCode    FieldKey = "billing.postalCode"
	FieldCountry       FieldKey = "billing.country"
	FieldVATNumber     FieldKey = "billing.vatNumber"

	FieldPaymentMethod FieldKey = "payment.method"
	FieldAcceptTerms   FieldKey = "payment.acceptTerms"
	FieldPaymentToken  FieldKey = "payment.token"

	// FieldBookingID is written by the controller after a successful submission
	// and cannot be changed through ChangeFields.
	FieldBookingID FieldKey = "booking.id"
)

var knownFields = map[FieldKey]struct{}{
	FieldConsultantID: {}, FieldTopic: {},
	FieldDate: {}, FieldTimeSlot: {}, FieldTimezone: {},
	FieldFirstName: {}, FieldLastName: {}, FieldEmail: {}, FieldPhone: {}, FieldCompany: {}, FieldMessage: {},
	FieldBillingName: {}, FieldBillingStreet: {}, FieldBillingCity: {}, FieldPostalCode: {}, FieldCountry: {}, FieldVATNumber: {},
	FieldPaymentMethod: {}, FieldAcceptTerms: {}, FieldPaymentToken: {},
	FieldBookingID: {},
}

// Known reports whether k is part of the closed field namespace.
func (k FieldKey) Known() bool {
	_, ok := knownFields[k]
	return ok
}

// ReadOnly reports whether k may only be written by the controller.
func (k FieldKey) ReadOnly() bool {
	return k == FieldBookingID
}

// Section returns the part before the first dot, or "" for unsectioned keys.
func (k FieldKey) Section() Section {
	section, _, ok := strings.Cut(string(k), ".")
	if !ok {
		return ""
	}
	return Section(section)
}

// Name returns the part after the section prefix.
func (k FieldKey) Name() string {
	_, name, ok := strings.Cut(string(k), ".")
	if !ok {
		return string(k)
	}
	return name
}
