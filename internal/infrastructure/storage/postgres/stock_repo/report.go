package stock_repo

import (
	"context"

	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/postgres"
)

// ReconcileEntityType is the sys_audit entity type of reconciliation reports.
const ReconcileEntityType = "stock_reconciliation"

// ReportArchive stores reconciliation reports in the audit log.
type ReportArchive struct {
	audit *postgres.AuditService
}

func NewReportArchive(audit *postgres.AuditService) *ReportArchive {
	return &ReportArchive{audit: audit}
}

var _ stock.ReportSink = (*ReportArchive)(nil)

func (a *ReportArchive) SaveReconcileReport(ctx context.Context, report stock.ReconcileReport) error {
	return a.audit.LogJSON(ctx, ReconcileEntityType, report.PharmacyID, postgres.AuditActionReconcile, report)
}
