package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StatementService renders monthly commission statements as PDFs and
// uploads them for download. Statement data assembly is separate from the
// rendering pipeline so the numbers can be tested without a browser.
type StatementService struct {
	db *gorm.DB

	// TemplatePath is relative to the working directory; tests point it
	// at a fixture.
	TemplatePath string

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewStatementService(db *gorm.DB) *StatementService {
	return &StatementService{
		db:           db,
		TemplatePath: "templates/statement.html",
		Now:          time.Now,
	}
}

// StatementLine is one commission on a statement.
type StatementLine struct {
	EarnedAt         time.Time       `json:"earned_at"`
	Code             string          `json:"code"`
	SubscriptionID   string          `json:"subscription_id"`
	GrossRevenue     decimal.Decimal `json:"gross_revenue"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	NetRevenue       decimal.Decimal `json:"net_revenue"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Status           string          `json:"status"`
}

// StatementPayout is one completed disbursement on a statement.
type StatementPayout struct {
	CompletedAt time.Time       `json:"completed_at"`
	Provider    string          `json:"provider"`
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// Statement is the assembled data for one affiliate and one calendar month.
// Cancelled commissions appear as lines but are excluded from the earnings
// totals.
type Statement struct {
	AffiliateID   uuid.UUID `json:"affiliate_id"`
	AffiliateName string    `json:"affiliate_name"`
	Email         string    `json:"email"`
	Tier          string    `json:"tier"`

	Period      string    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Lines   []StatementLine   `json:"lines"`
	Payouts []StatementPayout `json:"payouts"`

	TotalGross      decimal.Decimal `json:"total_gross"`
	TotalDiscount   decimal.Decimal `json:"total_discount"`
	TotalNet        decimal.Decimal `json:"total_net"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TotalPaidOut    decimal.Decimal `json:"total_paid_out"`

	GeneratedAt time.Time `json:"generated_at"`
}

// statementPeriod parses "2006-01" into the month's UTC bounds. An empty
// period means the month before now, which is what the monthly job wants.
func (s *StatementService) statementPeriod(period string) (string, time.Time, time.Time, error) {
	var start time.Time
	if period == "" {
		now := s.Now().UTC()
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	} else {
		parsed, err := time.Parse("2006-01", period)
		if err != nil {
			return "", time.Time{}, time.Time{}, errs.Validation("period must look like 2006-01, got %q", period)
		}
		start = parsed.UTC()
	}
	return start.Format("2006-01"), start, start.AddDate(0, 1, 0), nil
}

// BuildStatement assembles the statement numbers for one affiliate and one
// calendar month without touching the rendering pipeline.
func (s *StatementService) BuildStatement(affiliateID uuid.UUID, period string) (*Statement, error) {
	label, start, end, err := s.statementPeriod(period)
	if err != nil {
		return nil, err
	}

	var profile models.AffiliateProfile
	if err := s.db.Where("id = ?", affiliateID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("affiliate %s not found", affiliateID)
		}
		return nil, err
	}

	var commissions []models.Commission
	if err := s.db.Preload("Code").
		Where("affiliate_id = ? AND earned_at >= ? AND earned_at < ?", affiliateID, start, end).
		Order("earned_at ASC").
		Find(&commissions).Error; err != nil {
		return nil, err
	}

	var payouts []models.DisbursementTransaction
	if err := s.db.
		Where("affiliate_id = ? AND status = ? AND completed_at >= ? AND completed_at < ?",
			affiliateID, models.TxStatusCompleted, start, end).
		Order("completed_at ASC").
		Find(&payouts).Error; err != nil {
		return nil, err
	}

	stmt := &Statement{
		AffiliateID:     profile.ID,
		AffiliateName:   profile.FullName,
		Email:           profile.Email,
		Tier:            profile.Tier,
		Period:          label,
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalGross:      decimal.Zero,
		TotalDiscount:   decimal.Zero,
		TotalNet:        decimal.Zero,
		TotalCommission: decimal.Zero,
		TotalPaidOut:    decimal.Zero,
		GeneratedAt:     s.Now().UTC(),
	}

	for _, commission := range commissions {
		stmt.Lines = append(stmt.Lines, StatementLine{
			EarnedAt:         commission.EarnedAt,
			Code:             commission.Code.Code,
			SubscriptionID:   commission.SubscriptionID,
			GrossRevenue:     commission.GrossRevenue,
			DiscountAmount:   commission.DiscountAmount,
			NetRevenue:       commission.NetRevenue,
			CommissionAmount: commission.CommissionAmount,
			Status:           commission.Status,
		})
		if commission.Status == models.CommissionStatusCancelled {
			continue
		}
		stmt.TotalGross = stmt.TotalGross.Add(commission.GrossRevenue)
		stmt.TotalDiscount = stmt.TotalDiscount.Add(commission.DiscountAmount)
		stmt.TotalNet = stmt.TotalNet.Add(commission.NetRevenue)
		stmt.TotalCommission = stmt.TotalCommission.Add(commission.CommissionAmount)
	}

	for _, payout := range payouts {
		stmt.Payouts = append(stmt.Payouts, StatementPayout{
			CompletedAt: *payout.CompletedAt,
			Provider:    payout.Provider,
			Reference:   payout.ProviderTxID,
			Amount:      payout.Amount,
			Currency:    payout.Currency,
		})
		stmt.TotalPaidOut = stmt.TotalPaidOut.Add(payout.Amount)
	}

	return stmt, nil
}

// GenerateStatement builds, renders, uploads and records the statement for
// one affiliate and period. Generating twice for the same period returns the
// stored record instead of producing a second PDF.
func (s *StatementService) GenerateStatement(affiliateID uuid.UUID, period string) (*models.CommissionStatement, error) {
	stmt, err := s.BuildStatement(affiliateID, period)
	if err != nil {
		return nil, err
	}

	var existing models.CommissionStatement
	err = s.db.Where("affiliate_id = ? AND period = ?", affiliateID, stmt.Period).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	htmlData, err := s.renderStatementHTML(stmt)
	if err != nil {
		return nil, fmt.Errorf("render statement html: %w", err)
	}

	pdfBytes, err := generatePDFFromHTML(htmlData)
	if err != nil {
		return nil, fmt.Errorf("render statement pdf: %w", err)
	}

	uploadURL, err := uploadStatementPDF(pdfBytes, affiliateID.String(), stmt.Period)
	if err != nil {
		return nil, fmt.Errorf("upload statement pdf: %w", err)
	}

	record := models.CommissionStatement{
		AffiliateID:     affiliateID,
		Period:          stmt.Period,
		LineCount:       len(stmt.Lines),
		TotalCommission: stmt.TotalCommission,
		TotalPaidOut:    stmt.TotalPaidOut,
		Currency:        "USD",
		StatementURL:    uploadURL,
		GeneratedAt:     stmt.GeneratedAt,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditStatementGenerated,
			AffiliateID: &affiliateID,
			EntityType:  "commission_statement",
			EntityID:    record.ID.String(),
			Actor:       "system",
			Detail:      fmt.Sprintf("statement %s: %d lines, commission %s, paid out %s", stmt.Period, len(stmt.Lines), stmt.TotalCommission.StringFixed(2), stmt.TotalPaidOut.StringFixed(2)),
		})
	})
	if err != nil {
		// A concurrent generation beat us to the unique index; hand back
		// the row it created.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if ferr := s.db.Where("affiliate_id = ? AND period = ?", affiliateID, stmt.Period).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}

	return &record, nil
}

// ListStatements returns an affiliate's stored statements, newest first.
func (s *StatementService) ListStatements(affiliateID uuid.UUID) ([]models.CommissionStatement, error) {
	var statements []models.CommissionStatement
	if err := s.db.Where("affiliate_id = ?", affiliateID).
		Order("period DESC").
		Find(&statements).Error; err != nil {
		return nil, err
	}
	return statements, nil
}

type statementLineView struct {
	Date       string
	Code       string
	Reference  string
	Gross      string
	Discount   string
	Net        string
	Commission string
	Status     string
}

type statementPayoutView struct {
	Date      string
	Provider  string
	Reference string
	Amount    string
}

func (s *StatementService) renderStatementHTML(stmt *Statement) (string, error) {
	tmpl, err := template.ParseFiles(s.TemplatePath)
	if err != nil {
		return "", err
	}

	data := struct {
		AffiliateName   string
		Email           string
		Tier            string
		PeriodTitle     string
		Lines           []statementLineView
		Payouts         []statementPayoutView
		TotalGross      string
		TotalDiscount   string
		TotalNet        string
		TotalCommission string
		TotalPaidOut    string
		GeneratedAt     string
	}{
		AffiliateName:   stmt.AffiliateName,
		Email:           stmt.Email,
		Tier:            stmt.Tier,
		PeriodTitle:     stmt.PeriodStart.Format("January 2006"),
		TotalGross:      stmt.TotalGross.StringFixed(2),
		TotalDiscount:   stmt.TotalDiscount.StringFixed(2),
		TotalNet:        stmt.TotalNet.StringFixed(2),
		TotalCommission: stmt.TotalCommission.StringFixed(2),
		TotalPaidOut:    stmt.TotalPaidOut.StringFixed(2),
		GeneratedAt:     stmt.GeneratedAt.Format("January 2, 2006"),
	}

	for _, line := range stmt.Lines {
		data.Lines = append(data.Lines, statementLineView{
			Date:       line.EarnedAt.Format("Jan 2, 2006"),
			Code:       line.Code,
			Reference:  line.SubscriptionID,
			Gross:      line.GrossRevenue.StringFixed(2),
			Discount:   line.DiscountAmount.StringFixed(2),
			Net:        line.NetRevenue.StringFixed(2),
			Commission: line.CommissionAmount.StringFixed(2),
			Status:     line.Status,
		})
	}
	for _, payout := range stmt.Payouts {
		data.Payouts = append(data.Payouts, statementPayoutView{
			Date:      payout.CompletedAt.Format("Jan 2, 2006"),
			Provider:  payout.Provider,
			Reference: payout.Reference,
			Amount:    payout.Amount.StringFixed(2) + " " + payout.Currency,
		})
	}

	var renderedHTML bytes.Buffer
	if err := tmpl.Execute(&renderedHTML, data); err != nil {
		return "", err
	}
	return renderedHTML.String(), nil
}

func generatePDFFromHTML(htmlContent string) ([]byte, error) {
	ctx, cancel := chromedp.NewContext(context.Background())
	defer cancel()

	var pdfBuffer []byte
	err := chromedp.Run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, htmlContent).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			pdf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdfBuffer = pdf
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdfBuffer, nil
}

func uploadStatementPDF(fileBytes []byte, affiliateID, period string) (string, error) {
	cld, err := cloudinary.NewFromURL(config.Config("CLOUDINARY_URL"))
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uploadParams := uploader.UploadParams{
		PublicID:     fmt.Sprintf("statements/%s_%s", affiliateID, period),
		Folder:       "affiliate_engine_statements",
		ResourceType: "raw",
	}

	uploadResult, err := cld.Upload.Upload(ctx, bytes.NewReader(fileBytes), uploadParams)
	if err != nil {
		return "", err
	}

	return uploadResult.SecureURL, nil
}
