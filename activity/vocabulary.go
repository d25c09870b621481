package activity

// Table is the server-side collection activities live in.
const Table = "activities"

// =============================================================================
// VOCABULARIES - Exact-match values used by widget definitions
// =============================================================================

// Source values.
const (
	SourceOutboundTouchbase = "Outbound - Touchbase"
	SourceOutboundFollowUp  = "Outbound - Follow-up"
	SourceInbound           = "Inbound"
	SourceWalkIn            = "Walk-in"
	SourceExistingClient    = "Existing Client"
)

// Status values, in pipeline order.
const (
	StatusAssisted  = "Assisted"
	StatusQuoteDone = "Quote-Done"
	StatusSODone    = "SO-Done"
	StatusDelivered = "Delivered"
	StatusCancelled = "Cancelled"
)

// TypeActivity values.
const (
	TypeOutboundCall      = "Outbound Calls"
	TypeInboundCall       = "Inbound Calls"
	TypeQuotation         = "Quotation Preparation"
	TypeSalesOrder        = "Sales Order Preparation"
	TypeDelivery          = "Delivered / Closed Transaction"
	TypeClientMeeting     = "Client Meeting"
	TypeAdministrative    = "Admin - Others"
	TypeFollowUpCall      = "Follow-up Call"
	TypeCustomerInquiry   = "Customer Inquiry"
	TypeAfterSalesSupport = "After-Sales Support"
)

// CallStatus values.
const (
	CallSuccessful   = "Successful"
	CallUnsuccessful = "Unsuccessful"
)

// QuotationStatus values.
const (
	QuotationPending   = "Pending Client Approval"
	QuotationForSO     = "Convert to SO"
	QuotationComplete  = "Order Complete"
	QuotationDeclined  = "Decline / Disapproved"
	QuotationNoProcess = "Not Processed"
)

// Statuses lists the Status vocabulary in pipeline order.
func Statuses() []string {
	return []string{StatusAssisted, StatusQuoteDone, StatusSODone, StatusDelivered, StatusCancelled}
}
