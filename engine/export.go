package engine

import "time"

// ExportFormat identifies the downstream artifact type of a payout export.
type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportPDF ExportFormat = "pdf"
	ExportXML ExportFormat = "xml"
)

// Valid reports whether f is a known format.
func (f ExportFormat) Valid() bool {
	return f == ExportCSV || f == ExportPDF || f == ExportXML
}

// PayoutExport records that a run's items were handed to an external
// export adapter. The engine stores the record for audit only; formatting
// and delivery happen outside.
type PayoutExport struct {
	ID         string
	TenantID   TenantID
	RunID      RunID
	Format     ExportFormat
	ExportedBy string
	FilePath   string
	ExportedAt time.Time
}
