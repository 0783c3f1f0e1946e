package shared

// Dashboard permission codes. INBOX codes are security controls and never
// plan-managed; the others may be capped by the tenant's plan.
const (
	PermInboxRead     = "INBOX.READ"
	PermInboxAssign   = "INBOX.ASSIGN"
	PermInboxTransfer = "INBOX.TRANSFER"

	PermMessagingSendText     = "MESSAGING.SEND.TEXT"
	PermMessagingSendImage    = "MESSAGING.SEND.IMAGE"
	PermMessagingSendDocument = "MESSAGING.SEND.DOCUMENT"

	PermBroadcastSend     = "BROADCAST.SEND"
	PermBroadcastSchedule = "BROADCAST.SCHEDULE"

	PermTemplatesView   = "TEMPLATES.VIEW"
	PermTemplatesManage = "TEMPLATES.MANAGE"

	PermContactsView   = "CONTACTS.VIEW"
	PermContactsImport = "CONTACTS.IMPORT"

	PermStaffView   = "STAFF.VIEW"
	PermStaffManage = "STAFF.MANAGE"
)

// Metered capabilities, keyed like the quota records the plan reports.
const (
	QuotaBroadcastSend  = "BROADCAST.SEND"
	QuotaContactsImport = "CONTACTS.IMPORT"
	QuotaStaffSeats     = "STAFF.SEATS"
)

// CoreScopes lists every permission the dashboard gates on.
func CoreScopes() []string {
	return []string{
		PermInboxRead,
		PermInboxAssign,
		PermInboxTransfer,
		PermMessagingSendText,
		PermMessagingSendImage,
		PermMessagingSendDocument,
		PermBroadcastSend,
		PermBroadcastSchedule,
		PermTemplatesView,
		PermTemplatesManage,
		PermContactsView,
		PermContactsImport,
		PermStaffView,
		PermStaffManage,
	}
}

// QuotaKeys lists the metered capabilities the dashboard checks before acting.
func QuotaKeys() []string {
	return []string{QuotaBroadcastSend, QuotaContactsImport, QuotaStaffSeats}
}
