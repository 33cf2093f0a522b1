package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/internal/clock"
	customerdomain "github.com/smallbiznis/propbill/internal/customer/domain"
	customerrepo "github.com/smallbiznis/propbill/internal/customer/repository"
	customerservice "github.com/smallbiznis/propbill/internal/customer/service"
	"github.com/smallbiznis/propbill/internal/money"
	propertydomain "github.com/smallbiznis/propbill/internal/property/domain"
	propertyrepo "github.com/smallbiznis/propbill/internal/property/repository"
	propertyservice "github.com/smallbiznis/propbill/internal/property/service"
	"github.com/smallbiznis/propbill/internal/recurring/domain"
	"github.com/smallbiznis/propbill/internal/recurring/repository"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	ctx := context.Background()

	conn := dbtest.Open(t, &domain.Template{}, &customerdomain.Customer{}, &propertydomain.Property{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	now := fake.Now()
	custRepo := customerrepo.Provide()
	require.NoError(t, custRepo.Insert(ctx, conn, &customerdomain.Customer{ID: 1, Name: "Pinecrest", Email: "ap@pinecrest.test", CreatedAt: now, UpdatedAt: now}))
	propRepo := propertyrepo.Provide()
	require.NoError(t, propRepo.Insert(ctx, conn, &propertydomain.Property{ID: 5, CustomerID: 1, Name: "Clubhouse", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, propRepo.Insert(ctx, conn, &propertydomain.Property{ID: 6, CustomerID: 2, Name: "Elsewhere", CreatedAt: now, UpdatedAt: now}))

	return New(Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Repo:        repository.Provide(),
		CustomerSvc: customerservice.New(customerservice.Params{DB: conn, Log: log, Repo: custRepo}),
		PropertySvc: propertyservice.New(propertyservice.Params{DB: conn, Log: log, Repo: propRepo}),
	})
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validRequest() domain.CreateTemplateRequest {
	return domain.CreateTemplateRequest{
		CustomerID:   1,
		TemplateName: "Clubhouse maintenance",
		Frequency:    schedule.FrequencyMonthly,
		StartDate:    time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC),
		TaxRate:      decimal.RequireFromString("8.25"),
		Blueprint: domain.InvoiceBlueprint{
			LineItems: []domain.BlueprintLineItem{
				{Description: "Monthly maintenance", Quantity: decPtr("1"), UnitPrice: decPtr("150.00")},
			},
			Notes: "Thank you",
		},
	}
}

func TestCreateSchedulesFirstRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	created, err := svc.Create(ctx, req)
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	require.NotNil(t, created.NextRunDate)
	assert.True(t, created.NextRunDate.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))

	// Mutating the caller's blueprint after creation does not reach the snapshot.
	*req.Blueprint.LineItems[0].UnitPrice = decimal.RequireFromString("999")
	req.Blueprint.LineItems[0].Description = "changed"

	got, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)
	bp := got.Blueprint()
	require.Len(t, bp.LineItems, 1)
	assert.Equal(t, "Monthly maintenance", bp.LineItems[0].Description)
	assert.Equal(t, "150.00", bp.LineItems[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "Thank you", bp.Notes)
	assert.Equal(t, "8.25", got.TaxRate.StringFixed(2))
}

func TestCreateRejectsInvalidTemplates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	zero := 0
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	foreign := snowflake.ID(6)
	missing := snowflake.ID(60)

	cases := []struct {
		name   string
		mutate func(*domain.CreateTemplateRequest)
		want   error
	}{
		{"blank name", func(r *domain.CreateTemplateRequest) { r.TemplateName = "" }, domain.ErrInvalidName},
		{"bad frequency", func(r *domain.CreateTemplateRequest) { r.Frequency = "DAILY" }, schedule.ErrInvalidFrequency},
		{"end before start", func(r *domain.CreateTemplateRequest) { r.EndDate = &before }, domain.ErrInvalidSchedule},
		{"zero occurrences", func(r *domain.CreateTemplateRequest) { r.Occurrences = &zero }, domain.ErrInvalidOccurrences},
		{"empty blueprint", func(r *domain.CreateTemplateRequest) { r.Blueprint.LineItems = nil }, domain.ErrInvalidBlueprint},
		{"missing price", func(r *domain.CreateTemplateRequest) { r.Blueprint.LineItems[0].UnitPrice = nil }, domain.ErrInvalidBlueprint},
		{"price finer than cents", func(r *domain.CreateTemplateRequest) { r.Blueprint.LineItems[0].UnitPrice = decPtr("0.125") }, money.ErrUnitPriceScale},
		{"tax rate beyond two decimals", func(r *domain.CreateTemplateRequest) { r.TaxRate = decimal.RequireFromString("8.125") }, money.ErrTaxRateScale},
		{"unknown customer", func(r *domain.CreateTemplateRequest) { r.CustomerID = 42 }, customerdomain.ErrNotFound},
		{"unknown property", func(r *domain.CreateTemplateRequest) { r.PropertyID = &missing }, propertydomain.ErrNotFound},
		{"foreign property", func(r *domain.CreateTemplateRequest) { r.PropertyID = &foreign }, apperr.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := svc.Create(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDeactivateClearsNextRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	retired, err := svc.Deactivate(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, retired.IsActive)
	assert.Nil(t, retired.NextRunDate)

	reloaded, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsActive)
	assert.Nil(t, reloaded.NextRunDate)

	_, err = svc.Deactivate(ctx, created.ID)
	assert.NoError(t, err)

	_, err = svc.Deactivate(ctx, 99)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
}

func TestListActiveOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, a.ID)
	require.NoError(t, err)

	all, err := svc.List(ctx, domain.ListTemplateRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Templates, 2)

	active, err := svc.List(ctx, domain.ListTemplateRequest{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active.Templates, 1)
	assert.NotEqual(t, a.ID, active.Templates[0].ID)
}
