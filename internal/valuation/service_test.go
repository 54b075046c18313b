package valuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"mapchain/valuation-portal/valuation-portal-backend/internal/aivaluation"
	"mapchain/valuation-portal/valuation-portal-backend/internal/escrow"
	"mapchain/valuation-portal/valuation-portal-backend/internal/gamification"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
	"mapchain/valuation-portal/valuation-portal-backend/internal/tokenization"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/locks"
)

const (
	requester = "owner-1"
	valuator1 = "valuator-1"
	valuator2 = "valuator-2"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (e *recordingEmitter) Emit(ctx context.Context, event notifications.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) ofType(t notifications.EventType) []notifications.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notifications.Event
	for _, event := range e.events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

// MockEstimator is a mock implementation of the Estimator interface
type MockEstimator struct {
	mock.Mock
}

func (m *MockEstimator) Estimate(ctx context.Context, property *properties.Property) (*aivaluation.Estimate, error) {
	args := m.Called(ctx, property)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aivaluation.Estimate), args.Error(1)
}

// blindGateway can lose sight of the ledger for one lookup after a submit
// times out, leaving the outcome unknown to the caller
type blindGateway struct {
	*ledger.MemoryLedger
	mu      sync.Mutex
	enabled bool
	blind   bool
}

func (g *blindGateway) Submit(ctx context.Context, op ledger.Operation) (*ledger.Receipt, error) {
	receipt, err := g.MemoryLedger.Submit(ctx, op)
	g.mu.Lock()
	if g.enabled && ledger.IsKind(err, ledger.KindTimeout) {
		g.blind = true
	}
	g.mu.Unlock()
	return receipt, err
}

func (g *blindGateway) Lookup(ctx context.Context, ref string) (*ledger.Receipt, error) {
	g.mu.Lock()
	blind := g.blind
	g.blind = false
	g.mu.Unlock()
	if blind {
		return nil, &ledger.Error{Kind: ledger.KindTimeout, Ref: ref, Reason: "mirror unavailable"}
	}
	return g.MemoryLedger.Lookup(ctx, ref)
}

type fixture struct {
	service   *Service
	repo      *MemoryRepository
	escrows   *escrow.MemoryRepository
	holds     *escrow.Coordinator
	gateway   *blindGateway
	ledger    *ledger.MemoryLedger
	tokens    *tokenization.MemoryRepository
	props     *properties.MemoryRepository
	scoring   *gamification.Service
	emitter   *recordingEmitter
	estimator *MockEstimator
	property  *properties.Property
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	props := properties.NewMemoryRepository()
	property := &properties.Property{
		ID:      uuid.New(),
		OwnerID: requester,
		Title:   "Riverside Villa",
		Address: datatypes.NewJSONType(properties.Address{
			Street: "4 Bank Rd", City: "Accra", Country: "GH", Latitude: 5.6, Longitude: -0.2,
		}),
		Features: datatypes.NewJSONType(properties.Features{
			LandType: properties.LandTypeResidential, SizeSqm: decimal.NewFromInt(240), Bedrooms: 4, Bathrooms: 3, YearBuilt: 2011,
		}),
		Images: datatypes.JSONSlice[string]{"https://img.example/villa.jpg"},
	}
	require.NoError(t, props.Create(ctx, property))

	memLedger := ledger.NewMemoryLedger(ledger.WithStrictFunds())
	memLedger.Fund(requester, decimal.NewFromInt(5000))

	locker := locks.NewLocalLocker()
	escrows := escrow.NewMemoryRepository()
	gateway := &blindGateway{MemoryLedger: memLedger}
	coordinator := escrow.NewCoordinator(escrows, gateway, &escrow.Config{PlatformFeePercent: decimal.NewFromInt(10)}, zap.NewNop())

	tokens := tokenization.NewMemoryRepository()
	orchestrator := tokenization.NewOrchestrator(tokens, props, memLedger, locker, nil, nil, zap.NewNop())

	repo := NewMemoryRepository()
	emitter := &recordingEmitter{}
	scoring := gamification.NewService(gamification.NewMemoryRepository(), NewActivityCounter(props, repo),
		gamification.DefaultPointsTable(), emitter, zap.NewNop())
	estimator := new(MockEstimator)

	service := NewService(Dependencies{
		Repository: repo,
		Properties: props,
		Escrow:     coordinator,
		Minter:     orchestrator,
		Scorer:     scoring,
		Estimator:  estimator,
		Emitter:    emitter,
		Locker:     locker,
	}, nil, zap.NewNop())

	return &fixture{
		service:   service,
		repo:      repo,
		escrows:   escrows,
		holds:     coordinator,
		gateway:   gateway,
		ledger:    memLedger,
		tokens:    tokens,
		props:     props,
		scoring:   scoring,
		emitter:   emitter,
		estimator: estimator,
		property:  property,
	}
}

func (f *fixture) create(t *testing.T, fee int64) *ValuationRequest {
	t.Helper()
	request, err := f.service.Create(context.Background(), requester, &CreateRequest{
		PropertyID: f.property.ID,
		Fee:        decimal.NewFromInt(fee),
	})
	require.NoError(t, err)
	return request
}

func (f *fixture) inProgress(t *testing.T, fee int64) *ValuationRequest {
	t.Helper()
	ctx := context.Background()
	request := f.create(t, fee)
	_, err := f.service.Accept(ctx, valuator1, request.ID)
	require.NoError(t, err)
	request, err = f.service.Begin(ctx, valuator1, request.ID)
	require.NoError(t, err)
	return request
}

func (f *fixture) escrowFor(t *testing.T, request *ValuationRequest) *escrow.Escrow {
	t.Helper()
	e, err := f.escrows.GetByRequest(context.Background(), request.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestScenarioA_AcceptBeginCompleteWithCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	request := f.create(t, 500)
	assert.Equal(t, StatusPending, request.Status)
	assert.Equal(t, escrow.StatusLocked, f.escrowFor(t, request).Status)

	accepted, err := f.service.Accept(ctx, valuator1, request.ID)
	require.NoError(t, err)
	assert.Equal(t, valuator1, accepted.ValuatorID)

	_, err = f.service.Accept(ctx, valuator2, request.ID)
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "already accepted by valuator-1")

	started, err := f.service.Begin(ctx, valuator1, request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)

	completed, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{
		OfficialValue: decimal.NewFromInt(450000),
		ReportRef:     "ipfs://report",
		Tokenize:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.True(t, completed.OfficialValue.Decimal.Equal(decimal.NewFromInt(450000)))
	require.NotNil(t, completed.CertificateID)
	assert.False(t, completed.CertificatePending)

	hold := f.escrowFor(t, request)
	assert.Equal(t, escrow.StatusReleased, hold.Status)
	assert.Equal(t, valuator1, hold.Payee)
	assert.True(t, f.ledger.Balance(valuator1).Equal(decimal.NewFromInt(450)))

	certs, err := f.tokens.ListCertificates(ctx, f.property.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, *completed.CertificateID, certs[0].ID)
	valuation := certs[0].Metadata.Data().Properties.Valuation
	require.NotNil(t, valuation)
	assert.True(t, valuation.Amount.Equal(decimal.NewFromInt(450000)))

	profile, err := f.scoring.GetProfile(ctx, valuator1)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.ValuationsGiven)

	property, err := f.props.GetByID(ctx, f.property.ID)
	require.NoError(t, err)
	pointer, ok := property.CurrentValuation()
	require.True(t, ok)
	assert.Equal(t, request.ID, pointer.RequestID)
	assert.NotEmpty(t, pointer.TxRef)

	assert.Len(t, f.emitter.ofType(notifications.EventCertificateMinted), 1)
}

func TestScenarioB_CancelPendingRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	request := f.create(t, 300)
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(4700)))

	cancelled, err := f.service.Cancel(ctx, requester, request.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)

	assert.Equal(t, escrow.StatusRefunded, f.escrowFor(t, request).Status)
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(5000)))

	certs, err := f.tokens.ListCertificates(ctx, f.property.ID)
	require.NoError(t, err)
	assert.Empty(t, certs)
	shares, err := f.tokens.ListShareTokens(ctx, f.property.ID)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestService_AcceptNonPendingAlwaysConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 200)

	for _, actor := range []string{valuator1, valuator2, requester, ""} {
		_, err := f.service.Accept(ctx, actor, request.ID)
		var conflict *apperrors.StateConflictError
		assert.ErrorAs(t, err, &conflict, "actor %q", actor)
	}

	stored, err := f.service.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, valuator1, stored.ValuatorID)
	assert.Equal(t, StatusInProgress, stored.Status)

	cancelled := f.create(t, 100)
	_, err = f.service.Cancel(ctx, requester, cancelled.ID, "")
	require.NoError(t, err)
	_, err = f.service.Accept(ctx, valuator1, cancelled.ID)
	var conflict *apperrors.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestService_ConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.create(t, 100)

	const valuators = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < valuators; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			if _, err := f.service.Accept(ctx, actor, request.ID); err == nil {
				mu.Lock()
				winner = append(winner, actor)
				mu.Unlock()
			}
		}(fmt.Sprintf("valuator-%d", i))
	}
	wg.Wait()

	require.Len(t, winner, 1)
	stored, err := f.service.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, winner[0], stored.ValuatorID)
}

func TestService_RequesterCannotAcceptOwnRequest(t *testing.T) {
	f := newFixture(t)
	request := f.create(t, 100)

	_, err := f.service.Accept(context.Background(), requester, request.ID)
	var forbidden *apperrors.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestService_OnlyAssignedValuatorBeginsAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.create(t, 100)
	_, err := f.service.Accept(ctx, valuator1, request.ID)
	require.NoError(t, err)

	_, err = f.service.Begin(ctx, valuator2, request.ID)
	var forbidden *apperrors.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	// Completing before work started is not a legal transition
	_, err = f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(1000)})
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, escrow.StatusLocked, f.escrowFor(t, request).Status)
}

func TestService_CreateLockFailureLeavesNoRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, requester, &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(9000)})
	var le *ledger.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ledger.KindInsufficientFunds, le.Kind)

	requests, err := f.service.ListByRequester(ctx, requester)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestService_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor string
		req   CreateRequest
	}{
		{"missing actor", "", CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(10)}},
		{"zero fee", requester, CreateRequest{PropertyID: f.property.ID}},
		{"sub-cent fee", requester, CreateRequest{PropertyID: f.property.ID, Fee: decimal.RequireFromString("10.001")}},
		{"bad currency", requester, CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(10), Currency: "EURO"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, tt.actor, &tt.req)
			var validation *apperrors.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}

	_, err := f.service.Create(ctx, requester, &CreateRequest{PropertyID: uuid.New(), Fee: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, f.ledger.Landed(ledger.OpLockFunds))
}

func TestService_ReleaseFailureLeavesRequestInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 500)

	f.ledger.InjectFault(ledger.OpReleaseFunds, ledger.Fault{Kind: ledger.KindRejected})
	_, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(1000)})
	require.Error(t, err)

	stored, err := f.service.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, stored.Status)
	assert.False(t, stored.OfficialValue.Valid)
	assert.Equal(t, escrow.StatusLocked, f.escrowFor(t, request).Status)

	// A later attempt succeeds
	completed, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpReleaseFunds))
}

func TestService_ReleaseTimeoutThatLandedCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 500)

	f.ledger.InjectFault(ledger.OpReleaseFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
	completed, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpReleaseFunds))
	assert.True(t, f.ledger.Balance(valuator1).Equal(decimal.NewFromInt(450)))
}

func TestService_MintFailureIsPartialAndRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 500)

	f.ledger.InjectFault(ledger.OpMintUnique, ledger.Fault{Kind: ledger.KindRejected})
	completed, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{
		OfficialValue: decimal.NewFromInt(300000),
		Tokenize:      true,
	})
	var partial *apperrors.PartialCompletionError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, request.ID.String(), partial.RecordID)
	require.NotNil(t, completed)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.True(t, completed.CertificatePending)
	assert.Nil(t, completed.CertificateID)
	assert.Equal(t, escrow.StatusReleased, f.escrowFor(t, request).Status)

	pending, err := f.service.ListCertificatePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	retried, err := f.service.RetryCertificate(ctx, requester, request.ID)
	require.NoError(t, err)
	assert.False(t, retried.CertificatePending)
	require.NotNil(t, retried.CertificateID)

	// Retrying again changes nothing
	again, err := f.service.RetryCertificate(ctx, requester, request.ID)
	require.NoError(t, err)
	assert.Equal(t, *retried.CertificateID, *again.CertificateID)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpMintUnique))
}

func TestService_CancelAfterWorkStartedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 400)

	_, err := f.service.Cancel(ctx, "stranger", request.ID, "")
	var forbidden *apperrors.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	cancelled, err := f.service.Cancel(ctx, valuator1, request.ID, "unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, escrow.StatusRefunded, f.escrowFor(t, request).Status)
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(5000)))
}

func TestService_CannotCancelCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 400)
	_, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(9000)})
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, requester, request.ID, "")
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, escrow.StatusReleased, f.escrowFor(t, request).Status)
	assert.Zero(t, f.ledger.Landed(ledger.OpRefundFunds))
}

func TestService_DisputeFreezesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 400)

	disputed, err := f.service.Dispute(ctx, requester, request.ID, "valuator unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.Equal(t, requester, disputed.DisputedBy)

	hold := f.escrowFor(t, request)
	assert.True(t, hold.Frozen)
	assert.Equal(t, escrow.StatusLocked, hold.Status)

	_, err = f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(9000)})
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Zero(t, f.ledger.Landed(ledger.OpReleaseFunds))
}

func TestService_DisputeAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 400)
	_, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(9000)})
	require.NoError(t, err)

	disputed, err := f.service.Dispute(ctx, requester, request.ID, "value too low")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.True(t, disputed.OfficialValue.Valid)

	hold := f.escrowFor(t, request)
	assert.True(t, hold.Frozen)
	assert.Equal(t, escrow.StatusReleased, hold.Status)
}

func TestService_PointsAwardedOncePerTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 100)

	for i := 0; i < 2; i++ {
		_, err := f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{
			OfficialValue: decimal.NewFromInt(5000),
			Tokenize:      true,
		})
		require.NoError(t, err)
	}

	awards, err := f.scoring.ListAwards(ctx, valuator1)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, gamification.ActionRequestCompleted, awards[0].Action)
	assert.Equal(t, request.ID.String()+":completed", awards[0].Instance)

	owner, err := f.scoring.ListAwards(ctx, requester)
	require.NoError(t, err)
	actions := map[gamification.Action]int{}
	for _, a := range owner {
		actions[a.Action]++
	}
	assert.Equal(t, map[gamification.Action]int{
		gamification.ActionRequestCreated:    1,
		gamification.ActionPropertyTokenized: 1,
	}, actions)

	unlocked := f.emitter.ofType(notifications.EventAchievementUnlocked)
	assert.NotEmpty(t, unlocked)
}

func TestService_StatusEventsReachBothParties(t *testing.T) {
	f := newFixture(t)
	request := f.inProgress(t, 100)

	events := f.emitter.ofType(notifications.EventRequestStatusChanged)
	require.Len(t, events, 3)
	last := events[len(events)-1]
	assert.Equal(t, request.ID.String(), last.Subject)
	assert.ElementsMatch(t, []string{requester, valuator1}, last.Recipients)
	assert.Equal(t, StatusInProgress, last.Data["status"])
}

func TestService_AttachAIValuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.create(t, 100)

	f.estimator.On("Estimate", mock.Anything, mock.MatchedBy(func(p *properties.Property) bool {
		return p.ID == f.property.ID
	})).Return(&aivaluation.Estimate{
		EstimatedValue:  decimal.NewFromInt(410000),
		ConfidenceScore: 0.77,
		Factors:         []aivaluation.Factor{{Name: "location", Weight: 0.7}},
		EstimatedAt:     time.Now(),
	}, nil).Once()

	updated, err := f.service.AttachAIValuation(ctx, requester, request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
	assert.True(t, updated.AIEstimatedValue.Decimal.Equal(decimal.NewFromInt(410000)))
	require.NotNil(t, updated.AIConfidence)
	assert.Equal(t, 0.77, *updated.AIConfidence)
	assert.Len(t, updated.AIFactors, 1)

	f.estimator.On("Estimate", mock.Anything, mock.Anything).Return(nil, aivaluation.ErrValuationUnavailable)
	_, err = f.service.AttachAIValuation(ctx, requester, request.ID)
	assert.ErrorIs(t, err, aivaluation.ErrValuationUnavailable)

	// The unavailable service never blocks the lifecycle
	_, err = f.service.Accept(ctx, valuator1, request.ID)
	require.NoError(t, err)
	f.estimator.AssertExpectations(t)
}

func TestService_AIAccuracyFeedsGamification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request := f.inProgress(t, 100)

	f.estimator.On("Estimate", mock.Anything, mock.Anything).Return(&aivaluation.Estimate{
		EstimatedValue:  decimal.NewFromInt(100000),
		ConfidenceScore: 0.9,
		EstimatedAt:     time.Now(),
	}, nil)
	_, err := f.service.AttachAIValuation(ctx, valuator1, request.ID)
	require.NoError(t, err)

	_, err = f.service.Complete(ctx, valuator1, request.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(108000)})
	require.NoError(t, err)

	_, err = f.service.AttachAIValuation(ctx, valuator1, request.ID)
	var conflict *apperrors.StateConflictError
	assert.ErrorAs(t, err, &conflict)

	profile, err := f.scoring.GetProfile(ctx, valuator1)
	require.NoError(t, err)
	assert.Equal(t, float64(100), profile.Accuracy)
}

func TestService_CompletedImpliesReleasedCancelledImpliesRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.inProgress(t, 100)
	_, err := f.service.Complete(ctx, valuator1, done.ID, &CompleteRequest{OfficialValue: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	gone := f.create(t, 100)
	_, err = f.service.Cancel(ctx, requester, gone.ID, "")
	require.NoError(t, err)

	f.ledger.InjectFault(ledger.OpRefundFunds, ledger.Fault{Kind: ledger.KindRejected})
	stuck := f.create(t, 100)
	_, err = f.service.Cancel(ctx, requester, stuck.ID, "")
	require.Error(t, err)

	requests, err := f.repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, requests, 3)
	for _, r := range requests {
		hold := f.escrowFor(t, &r)
		switch r.Status {
		case StatusCompleted:
			assert.Equal(t, escrow.StatusReleased, hold.Status)
		case StatusCancelled:
			assert.Equal(t, escrow.StatusRefunded, hold.Status)
		default:
			assert.Equal(t, escrow.StatusLocked, hold.Status)
		}
	}
}

func TestService_GetUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestService_CreateRetryWithKeyDoesNotChargeTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.enabled = true
	req := &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(1000), IdempotencyKey: "create-1"}

	// The lock lands but the caller only sees a timeout
	f.ledger.InjectFault(ledger.OpLockFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
	_, err := f.service.Create(ctx, requester, req)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindTimeout))
	requests, err := f.service.ListByRequester(ctx, requester)
	require.NoError(t, err)
	assert.Empty(t, requests)

	request, err := f.service.Create(ctx, requester, req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, request.Status)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpLockFunds))
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(4000)))

	hold := f.escrowFor(t, request)
	assert.Equal(t, escrow.StatusLocked, hold.Status)
	assert.True(t, hold.Bound)

	again, err := f.service.Create(ctx, requester, req)
	require.NoError(t, err)
	assert.Equal(t, request.ID, again.ID)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpLockFunds))
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(4000)))
}

func TestService_CreateKeyIsScopedAndTermsChecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Fund("owner-2", decimal.NewFromInt(5000))

	first, err := f.service.Create(ctx, requester, &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(100), IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = f.service.Create(ctx, requester, &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(200), IdempotencyKey: "k"})
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "idempotency_key", validation.Field)

	other, err := f.service.Create(ctx, "owner-2", &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(100), IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Without a key every call is a new request
	a := f.create(t, 100)
	b := f.create(t, 100)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 4, f.ledger.Landed(ledger.OpLockFunds))
}

func TestService_UnboundHoldWithoutRequestIsReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.enabled = true
	req := &CreateRequest{PropertyID: f.property.ID, Fee: decimal.NewFromInt(1000), IdempotencyKey: "abandoned"}

	f.ledger.InjectFault(ledger.OpLockFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
	_, err := f.service.Create(ctx, requester, req)
	require.Error(t, err)
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(4000)))

	// Inside the grace period nothing is swept
	holds, err := f.service.ListUnboundHolds(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, holds)

	f.service.now = func() time.Time { return time.Now().Add(time.Hour) }
	holds, err = f.service.ListUnboundHolds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)

	require.NoError(t, f.service.SettleUnboundHold(ctx, holds[0].ID))
	assert.True(t, f.ledger.Balance(requester).Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpRefundFunds))

	holds, err = f.service.ListUnboundHolds(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, holds)

	// The returned hold is not silently reused by a late retry
	_, err = f.service.Create(ctx, requester, req)
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, f.ledger.Landed(ledger.OpLockFunds))
}

func TestService_UnboundHoldWithRequestIsBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A request whose bind step never ran
	id := uuid.New()
	hold, err := f.holds.Lock(ctx, escrow.LockRequest{RequestID: id, Amount: decimal.NewFromInt(300), Payer: requester})
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(ctx, &ValuationRequest{
		ID:          id,
		PropertyID:  f.property.ID,
		RequesterID: requester,
		Status:      StatusPending,
		Fee:         decimal.NewFromInt(300),
		Currency:    "USD",
		EscrowID:    &hold.ID,
	}))

	f.service.now = func() time.Time { return time.Now().Add(time.Hour) }
	holds, err := f.service.ListUnboundHolds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)

	require.NoError(t, f.service.SettleUnboundHold(ctx, hold.ID))
	stored, err := f.escrows.GetByID(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, stored.Bound)
	assert.Equal(t, escrow.StatusLocked, stored.Status)
	assert.Zero(t, f.ledger.Landed(ledger.OpRefundFunds))

	// A normally created request is bound immediately
	f.create(t, 100)
	holds, err = f.service.ListUnboundHolds(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, holds)
}
