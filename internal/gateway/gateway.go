package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/auth"
	"github.com/JuanPabloHerrera/openapi/internal/ledger"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	"github.com/JuanPabloHerrera/openapi/internal/ratelimit"
	"github.com/JuanPabloHerrera/openapi/internal/server/validator"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/JuanPabloHerrera/openapi/internal/upstream"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/JuanPabloHerrera/openapi/internal/gateway"

// maxMetaBytes bounds the payloads copied into usage records.
const maxMetaBytes = 64 << 10

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*auth.Principal, error)
}

type RateLimiter interface {
	CheckAndConsume(ctx context.Context, accountID string) (ratelimit.Policy, error)
}

type CostEstimator interface {
	Estimate(env *api.ChatEnvelope) pricing.TokenEstimate
	Price(ctx context.Context, modelID string, promptTokens, completionTokens int) float64
}

type CreditLedger interface {
	CheckFunds(ctx context.Context, accountID string, requiredMicros int64) error
	TryDebit(ctx context.Context, accountID string, amountMicros int64) error
}

type Forwarder interface {
	Forward(ctx context.Context, path string, payload []byte) (*upstream.Response, error)
}

type UsageRecorder interface {
	Record(rec *model.UsageRecord)
}

type Deps struct {
	Auth      Authenticator
	Limiter   RateLimiter
	Estimator CostEstimator
	Ledger    CreditLedger
	Upstream  Forwarder
	Usage     UsageRecorder
	Alerter   Alerter
	Logger    *zap.Logger
}

// Request is one inbound proxied call.
type Request struct {
	// Authorization is the raw header value.
	Authorization string
	// Path is the upstream path with the /v1 prefix removed.
	Path string
	Body []byte
}

// Service runs the admission pipeline for proxied requests.
type Service struct {
	deps   Deps
	tracer trace.Tracer
}

func NewService(deps Deps) *Service {
	if deps.Alerter == nil {
		deps.Alerter = LogAlerter{Logger: deps.Logger}
	}
	return &Service{deps: deps, tracer: otel.Tracer(tracerName)}
}

// Handle authenticates, rate limits, checks funds, forwards, settles and
// records one request, in that order. Every returned error is an *api.Error.
// Rejections before forwarding leave no side effects beyond the rate counters.
func (s *Service) Handle(ctx context.Context, req Request) (*upstream.Response, error) {
	log := s.deps.Logger

	principal, err := s.authenticate(ctx, req.Authorization)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("account_id", principal.AccountID), zap.String("api_key_id", principal.APIKeyID))

	policy, err := s.rateCheck(ctx, principal.AccountID)
	if err != nil {
		return nil, err
	}

	env, err := validator.DecodeChatEnvelope(req.Body)
	if err != nil {
		return nil, api.BadRequest(err.Error())
	}
	if limit := policy.MaxTokensPerRequest; limit > 0 {
		if n, ok := env.RequestedCompletionTokens(); ok && n > limit {
			return nil, api.BadRequest(fmt.Sprintf("max_tokens exceeds the limit of %d tokens per request", limit))
		}
	}

	estimate := s.deps.Estimator.Estimate(env)
	if err := s.balanceCheck(ctx, principal.AccountID, env.Model, estimate); err != nil {
		return nil, err
	}

	resp, err := s.forward(ctx, req)
	if err != nil {
		return nil, s.failed(principal, env.Model, req.Body, err, log)
	}

	s.settle(ctx, principal, env.Model, estimate, req.Body, resp, log)
	return resp, nil
}

func (s *Service) authenticate(ctx context.Context, header string) (*auth.Principal, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.authenticate")
	defer span.End()

	principal, err := s.deps.Auth.Authenticate(ctx, auth.ExtractCredential(header))
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		if auth.IsRejection(err) {
			return nil, api.Unauthorized(api.WithLog(err))
		}
		return nil, api.InternalError(err)
	}
	span.SetAttributes(attribute.String("account.id", principal.AccountID))
	return principal, nil
}

func (s *Service) rateCheck(ctx context.Context, accountID string) (ratelimit.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.rate_limit")
	defer span.End()

	policy, err := s.deps.Limiter.CheckAndConsume(ctx, accountID)
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			return policy, api.RateLimited(string(limitErr.Window), limitErr.Cap)
		}
		return policy, api.InternalError(err)
	}
	return policy, nil
}

func (s *Service) balanceCheck(ctx context.Context, accountID, modelID string, est pricing.TokenEstimate) error {
	ctx, span := s.tracer.Start(ctx, "gateway.balance_check")
	defer span.End()

	required := pricing.ToMicros(s.deps.Estimator.Price(ctx, modelID, est.PromptTokens, est.CompletionTokens))
	span.SetAttributes(attribute.Int64("cost.estimated_micros", required))

	err := s.deps.Ledger.CheckFunds(ctx, accountID, required)
	if err == nil {
		return nil
	}
	span.SetStatus(codes.Error, "rejected")

	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return api.InsufficientCredits(pricing.ToUSD(insufficient.RequiredMicros), pricing.ToUSD(insufficient.AvailableMicros))
	}
	return api.InternalError(fmt.Errorf("check balance: %w", err))
}

func (s *Service) forward(ctx context.Context, req Request) (*upstream.Response, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.forward", trace.WithAttributes(attribute.String("upstream.path", req.Path)))
	defer span.End()

	resp, err := s.deps.Upstream.Forward(ctx, req.Path, req.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("upstream.status", resp.Status))
	return resp, nil
}

// failed records the error attempt and converts err into the caller's error.
func (s *Service) failed(p *auth.Principal, modelID string, body []byte, err error, log *zap.Logger) error {
	var upErr *upstream.Error
	var out *api.Error
	var detail string

	if errors.As(err, &upErr) {
		out = api.NewError(upErr.Status, upErr.Message, upErr.Type, upErr.Code, api.WithLog(err))
		detail = string(upErr.Body)
		if detail == "" {
			detail = upErr.Message
		}
		log.Warn("Upstream returned an error", zap.Int("status", upErr.Status), zap.String("model", modelID))
	} else {
		out = api.BadGateway("Failed to reach upstream provider", err)
		detail = err.Error()
		log.Error("Upstream request failed", zap.String("model", modelID), zap.Error(err))
	}

	errMeta, _ := json.Marshal(map[string]string{"error": detail})
	s.deps.Usage.Record(&model.UsageRecord{
		AccountID:    p.AccountID,
		APIKeyID:     p.APIKeyID,
		Model:        modelID,
		Status:       model.UsageError,
		ErrorMessage: sql.NullString{String: detail, Valid: true},
		RequestMeta:  metaJSON(body),
		ResponseMeta: metaJSON(errMeta),
	})
	return out
}

// settle prices the reported usage, debits it and records the success. A
// failed debit is alerted but the response still goes out.
func (s *Service) settle(ctx context.Context, p *auth.Principal, requested string, est pricing.TokenEstimate, body []byte, resp *upstream.Response, log *zap.Logger) {
	ctx, span := s.tracer.Start(ctx, "gateway.settle")
	defer span.End()

	modelID := resp.Model
	if modelID == "" {
		modelID = requested
	}

	promptTokens, completionTokens := est.PromptTokens, est.CompletionTokens
	totalTokens := promptTokens + completionTokens
	if resp.Usage != nil {
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
		totalTokens = resp.Usage.TotalTokens
	} else {
		log.Warn("Upstream response has no usage, billing the estimate", zap.String("model", modelID))
	}

	cost := pricing.ToMicros(s.deps.Estimator.Price(ctx, modelID, promptTokens, completionTokens))
	span.SetAttributes(attribute.Int64("cost.actual_micros", cost))

	debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Ledger.TryDebit(debitCtx, p.AccountID, cost); err != nil {
		span.RecordError(err)
		s.deps.Alerter.DebitFailed(ctx, p.AccountID, cost, err)
	}

	s.deps.Usage.Record(&model.UsageRecord{
		AccountID:             p.AccountID,
		APIKeyID:              p.APIKeyID,
		Model:                 modelID,
		Status:                model.UsageSuccess,
		PromptTokens:          promptTokens,
		CompletionTokens:      completionTokens,
		TotalTokens:           totalTokens,
		CostMicros:            cost,
		CreditsDeductedMicros: cost,
		RequestMeta:           metaJSON(body),
		ResponseMeta:          metaJSON(resp.Body),
	})
}

// metaJSON keeps small valid JSON payloads and summarizes anything else.
func metaJSON(b []byte) string {
	if len(b) > maxMetaBytes || !json.Valid(b) {
		return fmt.Sprintf(`{"omitted":true,"bytes":%d}`, len(b))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return "{}"
	}
	return buf.String()
}
