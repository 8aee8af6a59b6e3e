package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/androidvision/internal/inference"
	"github.com/example/androidvision/internal/logging"
	"github.com/example/androidvision/internal/payload"
	"github.com/example/androidvision/internal/repository"
	"github.com/example/androidvision/internal/storage"
)

const DefaultCleanupTimeout = 10 * time.Second

// Lifecycle states logged for every request.
const (
	StateReceived   = "received"
	StateStored     = "stored"
	StateEncoded    = "encoded"
	StateDispatched = "dispatched"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCleanedUp  = "cleaned_up"
)

// MessageNoImage is returned when a request carries no image.
const MessageNoImage = "No image file received"

// Store is the transient artifact storage used by the use case.
type Store interface {
	Save(ctx context.Context, r io.Reader, originalName, contentType string) (storage.Artifact, error)
	Open(ctx context.Context, a storage.Artifact) (io.ReadCloser, error)
	OpenName(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, a storage.Artifact)
}

// Encoder turns stored bytes into a provider payload.
type Encoder interface {
	Encode(r io.Reader, sizeHint int64) (payload.Payload, error)
}

// Dispatcher performs the inference call.
type Dispatcher interface {
	Dispatch(ctx context.Context, providerID string, p payload.Payload) inference.Result
}

// InferenceLogRepository defines the audit operations needed by the use case.
type InferenceLogRepository interface {
	SaveLog(ctx context.Context, log *repository.InferenceLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Upload is one received image. Body is read at most once.
type Upload struct {
	Body        io.Reader
	Filename    string
	ContentType string
	// Size is the declared byte length. Zero means no image was received.
	Size int64
	// ProviderID overrides the configured default provider when set.
	ProviderID string
}

// Options tunes the use case.
type Options struct {
	DefaultProvider string
	CleanupTimeout  time.Duration
}

// VisionUseCase runs one upload through store, encode and dispatch, and
// deletes the stored artifact on every path.
type VisionUseCase struct {
	store           Store
	encoder         Encoder
	dispatcher      Dispatcher
	repo            InferenceLogRepository
	logger          *zap.Logger
	defaultProvider string
	cleanupTimeout  time.Duration
	now             func() time.Time
	newRequestID    func() string
}

// NewVisionUseCase constructs a new use case instance. repo may be nil, in
// which case audit logging and metrics are disabled.
func NewVisionUseCase(store Store, encoder Encoder, dispatcher Dispatcher, repo InferenceLogRepository, logger *zap.Logger, opts Options) *VisionUseCase {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	return &VisionUseCase{
		store:           store,
		encoder:         encoder,
		dispatcher:      dispatcher,
		repo:            repo,
		logger:          logger.Named("vision_usecase"),
		defaultProvider: opts.DefaultProvider,
		cleanupTimeout:  opts.CleanupTimeout,
		now:             time.Now,
		newRequestID:    uuid.NewString,
	}
}

// ExtractText returns the text visible in the uploaded image. Failures are
// reported in the Result, never as a Go error.
func (uc *VisionUseCase) ExtractText(ctx context.Context, upload Upload) inference.Result {
	requestID := uc.newRequestID()
	start := uc.now()
	providerID := upload.ProviderID
	if providerID == "" {
		providerID = uc.defaultProvider
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.extract_text", requestID).With(zap.String("provider", providerID))
	opLogger.Info("request received",
		zap.String("state", StateReceived),
		zap.String("filename", upload.Filename),
		zap.Int64("size", upload.Size),
	)

	if upload.Body == nil || upload.Size == 0 {
		return uc.finish(ctx, opLogger, requestID, providerID, start, payload.Payload{},
			inference.Failed(inference.Failf(inference.KindInvalidRequest, nil, MessageNoImage)))
	}

	artifact, err := uc.store.Save(ctx, upload.Body, upload.Filename, upload.ContentType)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.store_artifact", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return uc.finish(ctx, opLogger, requestID, providerID, start, payload.Payload{},
			inference.Failed(inference.Failf(inference.KindInternal, wrapped, "failed to store image")))
	}
	defer uc.cleanup(ctx, opLogger, artifact)
	opLogger = opLogger.With(zap.String("artifact", artifact.Name))
	opLogger.Info("upload stored", zap.String("state", StateStored), zap.Int64("size", artifact.Size))

	p, failure := uc.encode(ctx, requestID, artifact)
	if failure != nil {
		opLogger.Warn("failed to encode upload", zap.Error(failure.Cause))
		return uc.finish(ctx, opLogger, requestID, providerID, start, p, inference.Failed(failure))
	}
	opLogger.Info("upload encoded",
		zap.String("state", StateEncoded),
		zap.String("mime_type", p.MIMEType),
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
	)

	dispatchStart := uc.now()
	result := uc.dispatcher.Dispatch(ctx, providerID, p)
	opLogger.Info("inference dispatched",
		zap.String("state", StateDispatched),
		zap.Bool("success", result.Success),
		zap.Duration("duration", uc.now().Sub(dispatchStart)),
	)
	if result.Success {
		result.ImageURL = artifact.URL
	}
	return uc.finish(ctx, opLogger, requestID, providerID, start, p, result)
}

// OpenArtifact streams a stored artifact by name while it still exists.
func (uc *VisionUseCase) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, error) {
	return uc.store.OpenName(ctx, name)
}

func (uc *VisionUseCase) encode(ctx context.Context, requestID string, artifact storage.Artifact) (payload.Payload, *inference.Error) {
	rc, err := uc.store.Open(ctx, artifact)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.open_artifact", requestID, err)
		return payload.Payload{}, inference.Failf(inference.KindInternal, wrapped, "failed to read stored image")
	}
	defer rc.Close()

	p, err := uc.encoder.Encode(rc, artifact.Size)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.encode_payload", requestID, err)
		if errors.Is(err, payload.ErrInvalidImage) {
			return payload.Payload{}, inference.Failf(inference.KindInvalidImage, wrapped, "%s", err.Error())
		}
		return payload.Payload{}, inference.Failf(inference.KindInternal, wrapped, "failed to encode image")
	}
	return p, nil
}

func (uc *VisionUseCase) finish(ctx context.Context, opLogger *zap.Logger, requestID, providerID string, start time.Time, p payload.Payload, result inference.Result) inference.Result {
	elapsed := uc.now().Sub(start)
	if result.Success {
		opLogger.Info("request completed", zap.String("state", StateCompleted), zap.Duration("duration", elapsed))
	} else {
		fields := []zap.Field{
			zap.String("state", StateFailed),
			zap.String("kind", string(result.Kind())),
			zap.String("error", result.ErrorMessage()),
			zap.Duration("duration", elapsed),
		}
		if result.Failure != nil {
			if op := logging.OperationOf(result.Failure.Cause); op != "" {
				fields = append(fields, zap.String("failed_operation", op))
			}
		}
		opLogger.Warn("request failed", fields...)
	}
	uc.audit(ctx, opLogger, &repository.InferenceLog{
		RequestID:  requestID,
		Provider:   providerID,
		Success:    result.Success,
		ErrorKind:  string(result.Kind()),
		MIMEType:   p.MIMEType,
		ImageBytes: p.Size,
		LatencyMs:  elapsed.Milliseconds(),
		CreatedAt:  start.UTC(),
	})
	return result
}

func (uc *VisionUseCase) audit(ctx context.Context, opLogger *zap.Logger, entry *repository.InferenceLog) {
	if uc.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cleanupTimeout)
	defer cancel()
	if err := uc.repo.SaveLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist inference log", zap.Error(err))
	}
}

// cleanup runs detached from the request context so that a disconnected
// client or a shutting down server still gets the artifact removed.
func (uc *VisionUseCase) cleanup(ctx context.Context, opLogger *zap.Logger, artifact storage.Artifact) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cleanupTimeout)
	defer cancel()
	uc.store.Delete(ctx, artifact)
	opLogger.Info("artifact cleaned up", zap.String("state", StateCleanedUp))
}
