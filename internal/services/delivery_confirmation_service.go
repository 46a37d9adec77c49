package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

const (
	otpDigits       = 4
	defaultCooldown = 15 * time.Minute

	verificationDelivered = "delivered"
	verificationRejected  = "rejected"
	verificationThrottled = "throttled"
)

var otpPattern = regexp.MustCompile(`^\d{4}$`)

var (
	// ErrDeliveryUnauthorized indicates the caller is not linked to a shop.
	ErrDeliveryUnauthorized = errors.New("delivery: unauthorized")
	// ErrDeliveryInvalidInput signals missing identifiers or an order owned by another shop.
	ErrDeliveryInvalidInput = errors.New("delivery: invalid input")
	// ErrDeliveryNotFound indicates the order could not be located.
	ErrDeliveryNotFound = errors.New("delivery: order not found")
	// ErrDeliveryInvalidCode indicates the submitted code is not four digits.
	ErrDeliveryInvalidCode = errors.New("delivery: code must be exactly 4 digits")
	// ErrDeliveryInvalidState indicates the order cannot be delivered from its current status.
	ErrDeliveryInvalidState = errors.New("delivery: invalid order state")
	// ErrDeliveryIncorrectCode indicates the code does not match the issued one.
	ErrDeliveryIncorrectCode = errors.New("delivery: incorrect code")
	// ErrDeliveryThrottled indicates too many incorrect codes were submitted.
	ErrDeliveryThrottled = errors.New("delivery: too many attempts")
	// ErrDeliveryUnavailable indicates storage failures or exhausted transaction retries.
	ErrDeliveryUnavailable = errors.New("delivery: unavailable")
)

// DeliveryConfirmationServiceDeps bundles collaborators for the delivery confirmation service.
type DeliveryConfirmationServiceDeps struct {
	Orders      repositories.OrderRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	Random      io.Reader
	MaxAttempts int
	Cooldown    time.Duration
	IDGenerator func() string
	Events      EventPublisher
	Audit       AuditLogService
	Metrics     TransitionRecorder
	Logger      Logger
}

type deliveryConfirmationService struct {
	orders      repositories.OrderRepository
	unitOfWork  repositories.UnitOfWork
	clock       func() time.Time
	random      io.Reader
	maxAttempts int
	cooldown    time.Duration
	emitter     eventEmitter
	audit       AuditLogService
	metrics     TransitionRecorder
	logger      Logger
}

// NewDeliveryConfirmationService wires the OTP issuer and verifier.
func NewDeliveryConfirmationService(deps DeliveryConfirmationServiceDeps) (DeliveryConfirmationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("delivery confirmation service: order repository is required")
	}
	if deps.MaxAttempts < 0 {
		return nil, errors.New("delivery confirmation service: max attempts must not be negative")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	cooldown := deps.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopTransitionRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &deliveryConfirmationService{
		orders:      deps.Orders,
		unitOfWork:  unit,
		clock:       utcClock(deps.Clock),
		random:      random,
		maxAttempts: deps.MaxAttempts,
		cooldown:    cooldown,
		emitter:     eventEmitter{events: deps.Events, logger: logger, newID: idGen},
		audit:       deps.Audit,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// IssueOTP assigns a four digit code to order unless one already exists. The code never changes once set.
func (s *deliveryConfirmationService) IssueOTP(_ context.Context, order *Order) (string, error) {
	if order == nil {
		return "", fmt.Errorf("%w: order is required", ErrDeliveryInvalidInput)
	}
	if order.DeliveryOTP != nil && *order.DeliveryOTP != "" {
		return *order.DeliveryOTP, nil
	}
	n, err := rand.Int(s.random, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("%w: generate otp: %w", ErrDeliveryUnavailable, err)
	}
	code := fmt.Sprintf("%0*d", otpDigits, n.Int64())
	order.DeliveryOTP = &code
	return code, nil
}

func (s *deliveryConfirmationService) Verify(ctx context.Context, cmd VerifyOTPCommand) (VerificationResult, error) {
	shopID := strings.TrimSpace(cmd.ShopID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if shopID == "" {
		return VerificationResult{}, ErrDeliveryUnauthorized
	}
	if orderID == "" {
		return VerificationResult{}, fmt.Errorf("%w: order id is required", ErrDeliveryInvalidInput)
	}
	code := strings.TrimSpace(cmd.Code)

	var (
		delivered Order
		rejection error
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		delivered, rejection = Order{}, nil
		now := s.clock()

		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return classifyRepositoryError(err, ErrDeliveryNotFound, ErrDeliveryUnavailable)
		}
		if order.ShopID != shopID {
			return fmt.Errorf("%w: order does not belong to shop", ErrDeliveryInvalidInput)
		}
		if !otpPattern.MatchString(code) {
			return ErrDeliveryInvalidCode
		}
		switch order.Status {
		case domain.OrderStatusCompleted:
			return fmt.Errorf("%w: order already delivered", ErrDeliveryInvalidState)
		case domain.OrderStatusCancelled:
			return fmt.Errorf("%w: order already cancelled", ErrDeliveryInvalidState)
		}
		if s.throttled(order, now) {
			return fmt.Errorf("%w: try again later", ErrDeliveryThrottled)
		}

		if order.DeliveryOTP == nil || subtle.ConstantTimeCompare([]byte(*order.DeliveryOTP), []byte(code)) != 1 {
			rejection = ErrDeliveryIncorrectCode
			if s.maxAttempts == 0 {
				return nil
			}
			// The failed attempt is committed, so the rejection is reported after the transaction.
			order.OTPFailedAttempts++
			if order.OTPFailedAttempts >= s.maxAttempts {
				lockedUntil := now.Add(s.cooldown)
				order.OTPLockedUntil = &lockedUntil
				order.OTPFailedAttempts = 0
			}
			order.UpdatedAt = now
			return classifyRepositoryError(s.orders.Update(txCtx, order), ErrDeliveryNotFound, ErrDeliveryUnavailable)
		}

		if err := Transition(&order, domain.OrderStatusCompleted, now); err != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryInvalidState, err)
		}
		order.OTPFailedAttempts = 0
		order.OTPLockedUntil = nil
		if err := s.orders.Update(txCtx, order); err != nil {
			return classifyRepositoryError(err, ErrDeliveryNotFound, ErrDeliveryUnavailable)
		}
		delivered = order
		return nil
	})
	if err == nil {
		err = rejection
	}
	if err != nil {
		return s.rejected(ctx, shopID, orderID, err)
	}

	s.metrics.RecordVerification(ctx, shopID, verificationDelivered)
	s.metrics.RecordOrderTransition(ctx, shopID, domain.OrderStatusCompleted, 1)
	s.emitter.publish(ctx, DeliveryEvent{
		Type:       domain.EventOrderDelivered,
		ShopID:     shopID,
		BatchID:    derefString(delivered.BatchID),
		OrderID:    orderID,
		OccurredAt: s.clock(),
	})
	s.recordAudit(ctx, cmd.ActorID, "order.delivery.verify", orderID, "")
	return VerificationResult{Success: true, Message: "order delivered", Order: delivered.Redacted()}, nil
}

func (s *deliveryConfirmationService) StartIndividualDelivery(ctx context.Context, cmd StartIndividualDeliveryCommand) (Order, error) {
	shopID := strings.TrimSpace(cmd.ShopID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if shopID == "" {
		return Order{}, ErrDeliveryUnauthorized
	}
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrDeliveryInvalidInput)
	}

	var started Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		started = Order{}
		now := s.clock()

		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return classifyRepositoryError(err, ErrDeliveryNotFound, ErrDeliveryUnavailable)
		}
		if order.ShopID != shopID {
			return fmt.Errorf("%w: order does not belong to shop", ErrDeliveryInvalidInput)
		}
		switch order.Status {
		case domain.OrderStatusCompleted, domain.OrderStatusCancelled:
			return fmt.Errorf("%w: order cannot be delivered", ErrDeliveryInvalidState)
		case domain.OrderStatusOutForDelivery:
			return fmt.Errorf("%w: order is already out for delivery", ErrDeliveryInvalidState)
		}

		if _, err := s.IssueOTP(txCtx, &order); err != nil {
			return err
		}
		if err := Transition(&order, domain.OrderStatusOutForDelivery, now); err != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryInvalidState, err)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return classifyRepositoryError(err, ErrDeliveryNotFound, ErrDeliveryUnavailable)
		}
		started = order
		return nil
	})
	if err != nil {
		return Order{}, mapDeliveryError(err)
	}

	s.metrics.RecordOrderTransition(ctx, shopID, domain.OrderStatusOutForDelivery, 1)
	s.emitter.publish(ctx, DeliveryEvent{
		Type:       domain.EventOrderOutForDelivery,
		ShopID:     shopID,
		BatchID:    derefString(started.BatchID),
		OrderID:    orderID,
		OccurredAt: s.clock(),
		Payload:    map[string]any{"direct": true},
	})
	s.recordAudit(ctx, cmd.ActorID, "order.delivery.start", orderID, "")
	return started.Redacted(), nil
}

func (s *deliveryConfirmationService) VerifyIndividualOrderOTP(ctx context.Context, cmd VerifyOTPCommand) (VerificationResult, error) {
	return s.Verify(ctx, cmd)
}

func (s *deliveryConfirmationService) throttled(order Order, now time.Time) bool {
	if s.maxAttempts == 0 || order.OTPLockedUntil == nil {
		return false
	}
	return now.Before(*order.OTPLockedUntil)
}

func (s *deliveryConfirmationService) rejected(ctx context.Context, shopID, orderID string, err error) (VerificationResult, error) {
	err = mapDeliveryError(err)
	switch {
	case errors.Is(err, ErrDeliveryThrottled):
		s.metrics.RecordVerification(ctx, shopID, verificationThrottled)
		return VerificationResult{Success: false, Message: "too many attempts, try again later"}, err
	case errors.Is(err, ErrDeliveryIncorrectCode):
		s.metrics.RecordVerification(ctx, shopID, verificationRejected)
		s.logger(ctx, "order.delivery.verify.rejected", map[string]any{"shop": shopID, "order": orderID})
		return VerificationResult{Success: false, Message: "incorrect code"}, err
	case errors.Is(err, ErrDeliveryInvalidState):
		s.metrics.RecordVerification(ctx, shopID, verificationRejected)
		return VerificationResult{Success: false, Message: verificationMessage(err)}, err
	}
	return VerificationResult{}, err
}

func (s *deliveryConfirmationService) recordAudit(ctx context.Context, actor, action, orderID, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		ActorType: "user",
		Action:    action,
		TargetRef: "orders/" + orderID,
		Reason:    reason,
	})
}

func mapDeliveryError(err error) error {
	if wrapsAny(err, ErrDeliveryUnauthorized, ErrDeliveryInvalidInput, ErrDeliveryNotFound, ErrDeliveryInvalidCode,
		ErrDeliveryInvalidState, ErrDeliveryIncorrectCode, ErrDeliveryThrottled, ErrDeliveryUnavailable) {
		return err
	}
	return classifyRepositoryError(err, ErrDeliveryNotFound, ErrDeliveryUnavailable)
}

// verificationMessage strips the sentinel prefix so vendors see only the human readable part.
func verificationMessage(err error) string {
	msg := err.Error()
	if _, after, ok := strings.Cut(msg, ErrDeliveryInvalidState.Error()+": "); ok {
		return after
	}
	return msg
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
