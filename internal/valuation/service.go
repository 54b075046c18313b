package valuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/aivaluation"
	"mapchain/valuation-portal/valuation-portal-backend/internal/escrow"
	"mapchain/valuation-portal/valuation-portal-backend/internal/gamification"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
	"mapchain/valuation-portal/valuation-portal-backend/internal/tokenization"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/locks"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/metrics"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/workflows"
)

// PropertyStore reads properties and moves their latest-valuation pointer
type PropertyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*properties.Property, error)
	SetLatestValuation(ctx context.Context, id uuid.UUID, pointer properties.ValuationPointer) error
}

// EscrowCoordinator holds and settles request fees
type EscrowCoordinator interface {
	Lock(ctx context.Context, req escrow.LockRequest) (*escrow.Escrow, error)
	Release(ctx context.Context, e *escrow.Escrow, payee string) (*escrow.Escrow, error)
	Refund(ctx context.Context, e *escrow.Escrow) (*escrow.Escrow, error)
	Freeze(ctx context.Context, e *escrow.Escrow) (*escrow.Escrow, error)
	Get(ctx context.Context, id uuid.UUID) (*escrow.Escrow, error)
	Bind(ctx context.Context, e *escrow.Escrow) (*escrow.Escrow, error)
	ListUnbound(ctx context.Context, before time.Time, limit int) ([]escrow.Escrow, error)
	Abandon(ctx context.Context, e *escrow.Escrow) (*escrow.Escrow, error)
}

// CertificateMinter issues valuation certificates
type CertificateMinter interface {
	TokenizeAsCertificate(ctx context.Context, req *tokenization.CertificateRequest) (*tokenization.Certificate, error)
}

// Scorer records scored actions
type Scorer interface {
	RecordEvent(ctx context.Context, userID string, action gamification.Action, instance string) (*gamification.Profile, error)
	Refresh(ctx context.Context, userID string) (*gamification.Profile, error)
}

// Estimator produces advisory AI valuations
type Estimator interface {
	Estimate(ctx context.Context, property *properties.Property) (*aivaluation.Estimate, error)
}

// Config contains valuation request settings
type Config struct {
	DefaultCurrency string
	// UnboundHoldAge is how long a fee hold may exist without its request
	// before it is returned to the payer
	UnboundHoldAge time.Duration
}

// requestNamespace scopes request IDs derived from idempotency keys
var requestNamespace = uuid.MustParse("6f1c1f0e-3f5b-4a53-9d1e-2a8f0b7c5d41")

// Service runs the valuation request lifecycle. Transitions of one request
// are serialized by a lock keyed on its ID; every transition returns the
// updated record.
type Service struct {
	repo      Repository
	props     PropertyStore
	escrow    EscrowCoordinator
	minter    CertificateMinter
	scorer    Scorer
	estimator Estimator
	emitter   notifications.Emitter
	locker    locks.Locker
	machine   *workflows.StateMachine[Status]
	currency  string
	holdAge   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Dependencies groups the collaborators of Service. Estimator and Emitter
// are optional.
type Dependencies struct {
	Repository Repository
	Properties PropertyStore
	Escrow     EscrowCoordinator
	Minter     CertificateMinter
	Scorer     Scorer
	Estimator  Estimator
	Emitter    notifications.Emitter
	Locker     locks.Locker
}

// NewService creates a new valuation request service
func NewService(deps Dependencies, config *Config, logger *zap.Logger) *Service {
	currency := "USD"
	holdAge := 10 * time.Minute
	if config != nil {
		if config.DefaultCurrency != "" {
			currency = strings.ToUpper(config.DefaultCurrency)
		}
		if config.UnboundHoldAge > 0 {
			holdAge = config.UnboundHoldAge
		}
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = notifications.Nop{}
	}
	return &Service{
		repo:      deps.Repository,
		props:     deps.Properties,
		escrow:    deps.Escrow,
		minter:    deps.Minter,
		scorer:    deps.Scorer,
		estimator: deps.Estimator,
		emitter:   emitter,
		locker:    deps.Locker,
		machine:   NewStateMachine(),
		currency:  currency,
		holdAge:   holdAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Create opens a request and locks its fee in escrow. If the lock fails no
// request exists. With an idempotency key the request ID is derived from the
// requester and key, so a retry resumes the same hold and returns the
// request once it exists.
func (s *Service) Create(ctx context.Context, actor string, req *CreateRequest) (*ValuationRequest, error) {
	if actor == "" {
		return nil, apperrors.NewValidation("requester_id", "is required")
	}
	if req.PropertyID == uuid.Nil {
		return nil, apperrors.NewValidation("property_id", "is required")
	}
	if !req.Fee.IsPositive() {
		return nil, apperrors.NewValidation("fee", "must be positive")
	}
	if !req.Fee.Equal(req.Fee.Round(2)) {
		return nil, apperrors.NewValidation("fee", "must have at most two decimal places")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != 3 {
		return nil, apperrors.NewValidation("currency", "must be a three-letter code")
	}

	property, err := s.props.GetByID(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", req.PropertyID, apperrors.ErrNotFound)
	}

	id := uuid.New()
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		id = uuid.NewSHA1(requestNamespace, []byte(actor+"\x00"+key))
	}

	release, err := s.locker.Acquire(ctx, requestKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock valuation request %s: %w", id, err)
	}
	defer release()

	if key != "" {
		existing, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get valuation request: %w", err)
		}
		if existing != nil {
			if existing.PropertyID != req.PropertyID || !existing.Fee.Equal(req.Fee) || existing.Currency != currency {
				return nil, apperrors.NewValidation("idempotency_key", "already used for request %s with different terms", existing.ID)
			}
			return existing, nil
		}
	}

	request := &ValuationRequest{
		ID:          id,
		PropertyID:  req.PropertyID,
		RequesterID: actor,
		Status:      StatusPending,
		Fee:         req.Fee,
		Currency:    currency,
		IsUrgent:    req.IsUrgent,
		Notes:       req.Notes,
	}

	hold, err := s.escrow.Lock(ctx, escrow.LockRequest{
		RequestID: request.ID,
		Amount:    req.Fee,
		Payer:     actor,
		Urgent:    req.IsUrgent,
	})
	if err != nil {
		metrics.RecordTransition(string(StatusPending), err)
		return nil, fmt.Errorf("failed to lock valuation fee: %w", err)
	}
	request.EscrowID = &hold.ID

	if err := s.repo.Create(ctx, request); err != nil {
		s.logger.Error("Failed to persist valuation request, refunding escrow",
			zap.String("request_id", request.ID.String()),
			zap.String("escrow_id", hold.ID.String()),
			zap.Error(err))
		if _, refundErr := s.escrow.Refund(ctx, hold); refundErr != nil {
			s.logger.Error("Compensating refund failed",
				zap.String("escrow_id", hold.ID.String()),
				zap.Error(refundErr))
		}
		metrics.RecordTransition(string(StatusPending), err)
		return nil, fmt.Errorf("failed to create valuation request: %w", err)
	}
	metrics.RecordTransition(string(StatusPending), nil)

	if _, err := s.escrow.Bind(ctx, hold); err != nil {
		// The sweeper binds it on its next pass
		s.logger.Warn("Failed to bind escrow to request",
			zap.String("request_id", request.ID.String()),
			zap.String("escrow_id", hold.ID.String()),
			zap.Error(err))
	}

	s.logger.Info("Valuation request created",
		zap.String("request_id", request.ID.String()),
		zap.String("property_id", request.PropertyID.String()),
		zap.String("requester_id", actor),
		zap.String("fee", request.Fee.String()),
		zap.Bool("urgent", request.IsUrgent))

	s.notifyStatus(ctx, request, "")
	s.score(ctx, actor, gamification.ActionRequestCreated, request.ID, "created")

	return request, nil
}

// Accept assigns the acting valuator. The first acceptance wins; any later
// accept fails naming the assigned valuator.
func (s *Service) Accept(ctx context.Context, actor string, id uuid.UUID) (*ValuationRequest, error) {
	return s.transition(ctx, id, StatusAccepted, func(req *ValuationRequest) (bool, error) {
		// A repeated accept, even by the same valuator, is a conflict
		if req.ValuatorID != "" {
			return false, apperrors.NewStateConflict("valuation_request", req.ID.String(), string(req.Status),
				"already accepted by %s", req.ValuatorID)
		}
		if err := s.checkTransition(req, StatusAccepted); err != nil {
			return false, err
		}
		if actor == "" {
			return false, apperrors.NewValidation("valuator_id", "is required")
		}
		if actor == req.RequesterID {
			return false, apperrors.NewForbidden(actor, "accept", "requesters cannot value their own request")
		}

		now := s.now()
		req.ValuatorID = actor
		req.Status = StatusAccepted
		req.AcceptedAt = &now
		return false, nil
	}, nil)
}

// Begin starts work on an accepted request. Only the assigned valuator may begin.
func (s *Service) Begin(ctx context.Context, actor string, id uuid.UUID) (*ValuationRequest, error) {
	return s.transition(ctx, id, StatusInProgress, func(req *ValuationRequest) (bool, error) {
		if req.Status == StatusInProgress && req.ValuatorID == actor {
			return true, nil
		}
		if err := s.checkValuator(req, actor, "begin"); err != nil {
			return false, err
		}
		if err := s.checkTransition(req, StatusInProgress); err != nil {
			return false, err
		}

		now := s.now()
		req.Status = StatusInProgress
		req.StartedAt = &now
		return false, nil
	}, nil)
}

// Complete records the official valuation. The escrow is released to the
// valuator first; a failed release leaves the request IN_PROGRESS. When
// tokenize is set a certificate is minted afterwards, and a failed mint
// returns the completed request with a PartialCompletionError.
func (s *Service) Complete(ctx context.Context, actor string, id uuid.UUID, req *CompleteRequest) (*ValuationRequest, error) {
	if !req.OfficialValue.IsPositive() {
		return nil, apperrors.NewValidation("official_value", "must be positive")
	}

	var completedNow bool
	request, err := s.transition(ctx, id, StatusCompleted, func(r *ValuationRequest) (bool, error) {
		if r.Status == StatusCompleted && r.ValuatorID == actor {
			return true, nil
		}
		if err := s.checkValuator(r, actor, "complete"); err != nil {
			return false, err
		}
		if err := s.checkTransition(r, StatusCompleted); err != nil {
			return false, err
		}
		return false, nil
	}, func(ctx context.Context, r *ValuationRequest) error {
		hold, err := s.loadEscrow(ctx, r)
		if err != nil {
			return err
		}
		if _, err := s.escrow.Release(ctx, hold, r.ValuatorID); err != nil {
			return fmt.Errorf("failed to release escrow: %w", err)
		}

		now := s.now()
		r.Status = StatusCompleted
		r.OfficialValue = decimal.NewNullDecimal(req.OfficialValue.Round(2))
		r.ReportRef = req.ReportRef
		r.TokenizeRequested = req.Tokenize
		r.CertificatePending = req.Tokenize
		r.CompletedAt = &now
		completedNow = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !completedNow {
		return request, nil
	}

	s.updateLatestValuation(ctx, request)
	s.score(ctx, request.ValuatorID, gamification.ActionRequestCompleted, request.ID, "completed")
	s.refreshProfile(ctx, request.RequesterID)

	if request.TokenizeRequested {
		return s.issueCertificate(ctx, request)
	}
	return request, nil
}

// Cancel withdraws a request that has not completed and refunds the requester.
// Either party may cancel.
func (s *Service) Cancel(ctx context.Context, actor string, id uuid.UUID, reason string) (*ValuationRequest, error) {
	return s.transition(ctx, id, StatusCancelled, func(r *ValuationRequest) (bool, error) {
		if !r.IsParty(actor) {
			return false, apperrors.NewForbidden(actor, "cancel", "not a party to the request")
		}
		if r.Status == StatusCancelled {
			return true, nil
		}
		return false, s.checkTransition(r, StatusCancelled)
	}, func(ctx context.Context, r *ValuationRequest) error {
		hold, err := s.loadEscrow(ctx, r)
		if err != nil {
			return err
		}
		if _, err := s.escrow.Refund(ctx, hold); err != nil {
			return fmt.Errorf("failed to refund escrow: %w", err)
		}

		now := s.now()
		r.Status = StatusCancelled
		r.CancelReason = reason
		r.CancelledAt = &now
		return nil
	})
}

// Dispute contests a request in progress or completed and freezes its escrow.
func (s *Service) Dispute(ctx context.Context, actor string, id uuid.UUID, reason string) (*ValuationRequest, error) {
	return s.transition(ctx, id, StatusDisputed, func(r *ValuationRequest) (bool, error) {
		if !r.IsParty(actor) {
			return false, apperrors.NewForbidden(actor, "dispute", "not a party to the request")
		}
		if r.Status == StatusDisputed {
			return true, nil
		}
		return false, s.checkTransition(r, StatusDisputed)
	}, func(ctx context.Context, r *ValuationRequest) error {
		hold, err := s.loadEscrow(ctx, r)
		if err != nil {
			return err
		}
		if _, err := s.escrow.Freeze(ctx, hold); err != nil {
			return fmt.Errorf("failed to freeze escrow: %w", err)
		}

		now := s.now()
		r.Status = StatusDisputed
		r.DisputeReason = reason
		r.DisputedBy = actor
		r.DisputedAt = &now
		return nil
	})
}

// AttachAIValuation fetches an advisory estimate and stores it on the request.
// It never changes the request status.
func (s *Service) AttachAIValuation(ctx context.Context, actor string, id uuid.UUID) (*ValuationRequest, error) {
	if s.estimator == nil {
		return nil, aivaluation.ErrValuationUnavailable
	}

	release, err := s.locker.Acquire(ctx, requestKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock valuation request %s: %w", id, err)
	}
	defer release()

	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !request.IsParty(actor) {
		return nil, apperrors.NewForbidden(actor, "request an AI estimate", "not a party to the request")
	}
	switch request.Status {
	case StatusPending, StatusAccepted, StatusInProgress:
	default:
		return nil, apperrors.NewStateConflict("valuation_request", id.String(), string(request.Status),
			"AI estimates can only be attached before completion")
	}

	property, err := s.props.GetByID(ctx, request.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", request.PropertyID, apperrors.ErrNotFound)
	}

	estimate, err := s.estimator.Estimate(ctx, property)
	if err != nil {
		return nil, err
	}

	updated := *request
	updated.AIEstimatedValue = decimal.NewNullDecimal(estimate.EstimatedValue)
	confidence := estimate.ConfidenceScore
	updated.AIConfidence = &confidence
	updated.AIFactors = estimate.Factors
	estimatedAt := estimate.EstimatedAt
	updated.AIEstimatedAt = &estimatedAt

	if err := s.repo.Save(ctx, &updated, request.Status); err != nil {
		return nil, s.saveFailed(request, err)
	}

	s.logger.Info("AI valuation attached",
		zap.String("request_id", id.String()),
		zap.String("estimated_value", estimate.EstimatedValue.String()),
		zap.Float64("confidence", confidence))

	return &updated, nil
}

// RetryCertificate mints the certificate of a completed request whose
// earlier mint failed
func (s *Service) RetryCertificate(ctx context.Context, actor string, id uuid.UUID) (*ValuationRequest, error) {
	request, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != "" && !request.IsParty(actor) {
		return nil, apperrors.NewForbidden(actor, "retry the certificate", "not a party to the request")
	}
	if !request.CertificatePending {
		return request, nil
	}
	return s.issueCertificate(ctx, request)
}

// ListCertificatePending returns completed requests still waiting for their certificate
func (s *Service) ListCertificatePending(ctx context.Context, limit int) ([]ValuationRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	requests, err := s.repo.ListCertificatePending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificate pending requests: %w", err)
	}
	return requests, nil
}

// Get returns a request by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ValuationRequest, error) {
	return s.load(ctx, id)
}

// List returns requests matching filter
func (s *Service) List(ctx context.Context, filter ListFilter) ([]ValuationRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.NewValidation("status", "unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	requests, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list valuation requests: %w", err)
	}
	return requests, nil
}

// ListByRequester returns the requests a user opened
func (s *Service) ListByRequester(ctx context.Context, requesterID string) ([]ValuationRequest, error) {
	return s.List(ctx, ListFilter{RequesterID: requesterID})
}

// ListByValuator returns the requests a valuator accepted
func (s *Service) ListByValuator(ctx context.Context, valuatorID string) ([]ValuationRequest, error) {
	return s.List(ctx, ListFilter{ValuatorID: valuatorID})
}

// ListByStatus returns requests in status, urgent first
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]ValuationRequest, error) {
	return s.List(ctx, ListFilter{Status: status})
}

// transition runs one status change under the request lock. check inspects
// a copy of the stored record and reports whether the change already
// happened; apply performs the side effects and mutates the copy, which is
// then saved conditionally on the original status.
func (s *Service) transition(
	ctx context.Context,
	id uuid.UUID,
	to Status,
	check func(r *ValuationRequest) (bool, error),
	apply func(ctx context.Context, r *ValuationRequest) error,
) (*ValuationRequest, error) {
	release, err := s.locker.Acquire(ctx, requestKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock valuation request %s: %w", id, err)
	}
	defer release()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	done, err := check(&updated)
	if err != nil {
		metrics.RecordTransition(string(to), err)
		return nil, err
	}
	if done {
		return current, nil
	}
	if apply != nil {
		if err := apply(ctx, &updated); err != nil {
			metrics.RecordTransition(string(to), err)
			s.logger.Warn("Valuation request transition failed",
				zap.String("request_id", id.String()),
				zap.String("from", string(current.Status)),
				zap.String("to", string(to)),
				zap.Error(err))
			return nil, err
		}
	}

	if err := s.repo.Save(ctx, &updated, current.Status); err != nil {
		metrics.RecordTransition(string(to), err)
		return nil, s.saveFailed(current, err)
	}
	metrics.RecordTransition(string(to), nil)

	s.logger.Info("Valuation request transitioned",
		zap.String("request_id", id.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)))

	s.notifyStatus(ctx, &updated, current.Status)
	return &updated, nil
}

func (s *Service) issueCertificate(ctx context.Context, request *ValuationRequest) (*ValuationRequest, error) {
	release, err := s.locker.Acquire(ctx, requestKey(request.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock valuation request %s: %w", request.ID, err)
	}
	defer release()

	current, err := s.load(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	if !current.CertificatePending {
		return current, nil
	}

	requestID := current.ID
	valuedAt := s.now()
	if current.CompletedAt != nil {
		valuedAt = *current.CompletedAt
	}
	cert, err := s.minter.TokenizeAsCertificate(ctx, &tokenization.CertificateRequest{
		PropertyID:         current.PropertyID,
		ValuationRequestID: &requestID,
		Valuation: &tokenization.ValuationSnapshot{
			RequestID:  &requestID,
			Amount:     current.OfficialValue.Decimal,
			Currency:   current.Currency,
			ValuatorID: current.ValuatorID,
			ReportRef:  current.ReportRef,
			ValuedAt:   valuedAt,
		},
		ActingUserID: current.ValuatorID,
	})
	if err != nil {
		s.logger.Warn("Certificate mint failed after completion",
			zap.String("request_id", current.ID.String()),
			zap.Error(err))
		return current, &apperrors.PartialCompletionError{
			Operation:     "complete_valuation",
			RecordID:      current.ID.String(),
			CompletedStep: "escrow_release",
			FailedStep:    "mint_certificate",
			ResumeWith:    "retry certificate",
			Err:           err,
		}
	}

	updated := *current
	updated.CertificateID = &cert.ID
	updated.CertificatePending = false
	if err := s.repo.Save(ctx, &updated, current.Status); err != nil {
		return nil, s.saveFailed(current, err)
	}

	s.logger.Info("Valuation certificate issued",
		zap.String("request_id", current.ID.String()),
		zap.String("certificate_id", cert.ID.String()),
		zap.Int64("serial", cert.Serial))

	s.emitter.Emit(ctx, notifications.NewEvent(
		notifications.EventCertificateMinted,
		cert.ID.String(),
		map[string]interface{}{
			"request_id":  current.ID,
			"property_id": current.PropertyID,
			"serial":      cert.Serial,
		},
		current.RequesterID, current.ValuatorID,
	))
	s.score(ctx, current.RequesterID, gamification.ActionPropertyTokenized, current.ID, "tokenized")

	return &updated, nil
}

func (s *Service) updateLatestValuation(ctx context.Context, request *ValuationRequest) {
	pointer := properties.ValuationPointer{
		RequestID:  request.ID,
		Amount:     request.OfficialValue.Decimal,
		Currency:   request.Currency,
		ValuatorID: request.ValuatorID,
		ValuedAt:   *request.CompletedAt,
	}
	if request.EscrowID != nil {
		if hold, err := s.escrow.Get(ctx, *request.EscrowID); err == nil {
			pointer.TxRef = hold.ReleaseTxRef
		}
	}
	if err := s.props.SetLatestValuation(ctx, request.PropertyID, pointer); err != nil {
		s.logger.Error("Failed to update latest valuation",
			zap.String("request_id", request.ID.String()),
			zap.String("property_id", request.PropertyID.String()),
			zap.Error(err))
	}
}

// score awards points once per (request, transition). Scoring failures are
// logged and never fail the transition.
func (s *Service) score(ctx context.Context, userID string, action gamification.Action, requestID uuid.UUID, transition string) {
	if s.scorer == nil || userID == "" {
		return
	}
	if _, err := s.scorer.RecordEvent(ctx, userID, action, requestID.String()+":"+transition); err != nil {
		s.logger.Warn("Failed to record scoring event",
			zap.String("user_id", userID),
			zap.String("action", string(action)),
			zap.String("request_id", requestID.String()),
			zap.Error(err))
	}
}

func (s *Service) refreshProfile(ctx context.Context, userID string) {
	if s.scorer == nil || userID == "" {
		return
	}
	if _, err := s.scorer.Refresh(ctx, userID); err != nil {
		s.logger.Warn("Failed to refresh profile", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) notifyStatus(ctx context.Context, request *ValuationRequest, from Status) {
	s.emitter.Emit(ctx, notifications.NewEvent(
		notifications.EventRequestStatusChanged,
		request.ID.String(),
		map[string]interface{}{
			"request_id":  request.ID,
			"property_id": request.PropertyID,
			"from":        from,
			"status":      request.Status,
		},
		request.RequesterID, request.ValuatorID,
	))
}

// ListUnboundHolds returns fee holds older than the grace period that no
// request has claimed
func (s *Service) ListUnboundHolds(ctx context.Context, limit int) ([]escrow.Escrow, error) {
	return s.escrow.ListUnbound(ctx, s.now().Add(-s.holdAge), limit)
}

// SettleUnboundHold binds a hold to its request when the request exists and
// otherwise returns the fee to the payer.
func (s *Service) SettleUnboundHold(ctx context.Context, escrowID uuid.UUID) error {
	hold, err := s.escrow.Get(ctx, escrowID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	release, err := s.locker.Acquire(ctx, requestKey(hold.RequestID))
	if err != nil {
		return fmt.Errorf("failed to lock valuation request %s: %w", hold.RequestID, err)
	}
	defer release()

	// Reload under the request lock; a concurrent create may have bound it
	hold, err = s.escrow.Get(ctx, escrowID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if hold.Bound || hold.Status.Terminal() {
		return nil
	}

	request, err := s.repo.GetByID(ctx, hold.RequestID)
	if err != nil {
		return fmt.Errorf("failed to get valuation request: %w", err)
	}
	if request != nil {
		_, err := s.escrow.Bind(ctx, hold)
		return err
	}

	settled, err := s.escrow.Abandon(ctx, hold)
	if err != nil {
		return fmt.Errorf("failed to return unbound hold %s: %w", escrowID, err)
	}
	if settled != nil {
		s.logger.Info("Returned unbound fee hold",
			zap.String("escrow_id", escrowID.String()),
			zap.String("request_id", hold.RequestID.String()),
			zap.String("payer", hold.Payer))
	}
	return nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*ValuationRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get valuation request: %w", err)
	}
	if request == nil {
		return nil, fmt.Errorf("valuation request %s: %w", id, apperrors.ErrNotFound)
	}
	return request, nil
}

func (s *Service) loadEscrow(ctx context.Context, request *ValuationRequest) (*escrow.Escrow, error) {
	if request.EscrowID == nil {
		return nil, apperrors.NewStateConflict("valuation_request", request.ID.String(), string(request.Status), "request has no escrow")
	}
	return s.escrow.Get(ctx, *request.EscrowID)
}

func (s *Service) checkTransition(request *ValuationRequest, to Status) error {
	if err := s.machine.Validate(request.Status, to); err != nil {
		return apperrors.NewStateConflict("valuation_request", request.ID.String(), string(request.Status), "%v", err)
	}
	return nil
}

func (s *Service) checkValuator(request *ValuationRequest, actor, action string) error {
	if request.ValuatorID == "" {
		return apperrors.NewStateConflict("valuation_request", request.ID.String(), string(request.Status), "no valuator has accepted the request")
	}
	if request.ValuatorID != actor {
		return apperrors.NewForbidden(actor, action, "not the assigned valuator")
	}
	return nil
}

func (s *Service) saveFailed(request *ValuationRequest, err error) error {
	if errors.Is(err, ErrStale) {
		return apperrors.NewStateConflict("valuation_request", request.ID.String(), string(request.Status), "request changed concurrently")
	}
	return fmt.Errorf("failed to save valuation request: %w", err)
}

func requestKey(id uuid.UUID) string {
	return "valuation-request:" + id.String()
}
