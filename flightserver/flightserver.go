// Package flightserver exposes ingestion over Arrow Flight. A client DoPuts
// a record batch stream whose descriptor path names the target table; the
// first batch is committed and the outcome comes back as a PutResult.
package flightserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/internal/ratelimit"
	"github.com/florinutz/iceingest/internal/safegoroutine"
	"github.com/florinutz/iceingest/metrics"
	"github.com/florinutz/iceingest/server"
	"github.com/florinutz/iceingest/tracing"
)

// DefaultMaxMessageBytes bounds one gRPC message when no limit is set.
const DefaultMaxMessageBytes = 256 << 20

// Ingester is the part of iceingest.Pipeline the Flight service needs.
type Ingester interface {
	IngestBatch(ctx context.Context, namespace, table string, b *batch.Batch) (iceingest.Result, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8815".
	Addr string
	// MaxMessageBytes caps a single received gRPC message.
	MaxMessageBytes int
	// AllocFactor bounds the memory one DoPut may decode into at
	// AllocFactor times MaxMessageBytes. Defaults to 64.
	AllocFactor int
	// Limiter gates DoPut calls; nil admits everything.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Server is an Arrow Flight service accepting DoPut ingests.
type Server struct {
	flight.BaseFlightServer

	ingester Ingester
	cfg      Config
	logger   *slog.Logger

	mu  sync.Mutex
	srv flight.Server
}

// New creates a Flight server. Call Listen (optional) then Start.
func New(ing Ingester, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.AllocFactor <= 0 {
		cfg.AllocFactor = 64
	}
	return &Server{
		ingester: ing,
		cfg:      cfg,
		logger:   logger.With("component", "flight"),
	}
}

// Listen binds the configured address. Start calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("flight listen: %w", err)
	}
	srv := flight.NewServerWithMiddleware(nil, grpc.MaxRecvMsgSize(s.cfg.MaxMessageBytes))
	srv.InitListener(ln)
	srv.RegisterFlightService(s)
	s.srv = srv
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Addr()
}

// Start serves Flight requests. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	s.logger.Info("arrow flight server started", "addr", srv.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		srv.Shutdown()
		<-errCh
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("flight serve: %w", err)
		}
		return nil
	}
}

// DoPut ingests the first record batch of the stream into the table named
// by the descriptor path and replies with one PutResult carrying the JSON
// ingest response.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	metrics.FlightStreamsActive.Inc()
	defer metrics.FlightStreamsActive.Dec()

	ctx := tracing.ExtractGRPC(stream.Context())

	if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow() {
		metrics.IngestRequests.WithLabelValues("flight", "rate_limited").Inc()
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	namespace, table, b, err := s.readFirst(ctx, stream)
	if err != nil {
		return s.finish(stream, namespace, table, iceingest.Result{}, err)
	}
	defer b.Release()

	var res iceingest.Result
	err = safegoroutine.Run(s.logger, "flight", func() error {
		var ierr error
		res, ierr = s.ingester.IngestBatch(ctx, namespace, table, b)
		return ierr
	})
	return s.finish(stream, namespace, table, res, err)
}

// readFirst decodes the descriptor and the first record batch of stream,
// then drains the rest. Corrupt IPC messages can make arrow panic; those
// panics come back as malformed DecodeErrors.
func (s *Server) readFirst(ctx context.Context, stream flight.FlightService_DoPutServer) (namespace, table string, b *batch.Batch, err error) {
	mem := batch.NewLimitedAllocator(memory.DefaultAllocator, int64(s.cfg.MaxMessageBytes)*int64(s.cfg.AllocFactor))
	b, err = batch.Guard(func() (*batch.Batch, error) {
		rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(mem))
		if err != nil {
			return nil, &ingesterr.DecodeError{Kind: ingesterr.DecodeMalformed, Err: err}
		}
		defer rdr.Release()

		namespace, table, err = tableFromDescriptor(rdr.LatestFlightDescriptor())
		if err != nil {
			return nil, err
		}
		first, err := firstBatch(rdr)
		if err != nil {
			return nil, err
		}
		defer func() {
			if r := recover(); r != nil {
				first.Release()
				panic(r)
			}
		}()

		// Blocks after the first are not ingested; drain them so the
		// client's sends complete.
		extra := 0
		for rdr.Next() {
			extra++
		}
		if extra > 0 {
			s.logger.WarnContext(ctx, "ignoring record batches after the first", "table", table, "ignored", extra)
		}
		return first, nil
	})
	return namespace, table, b, err
}

// finish sends the PutResult and maps err to a gRPC status.
func (s *Server) finish(stream flight.FlightService_DoPutServer, namespace, table string, res iceingest.Result, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = ingesterr.Kind(err)
	}
	metrics.IngestRequests.WithLabelValues("flight", outcome).Inc()

	meta, merr := json.Marshal(server.NewResponse(res, err))
	if merr != nil {
		return status.Errorf(codes.Internal, "encode response: %v", merr)
	}
	if serr := stream.Send(&flight.PutResult{AppMetadata: meta}); serr != nil && !errors.Is(serr, io.EOF) {
		s.logger.Warn("send put result", "table", table, "error", serr)
	}
	if err == nil {
		return nil
	}
	code := grpcCode(err)
	if code == codes.Internal {
		s.logger.Error("flight ingest failed", "namespace", namespace, "table", table, "error", err)
	}
	return status.Error(code, err.Error())
}

// tableFromDescriptor reads [table] or [namespace, table] from a PATH
// descriptor.
func tableFromDescriptor(desc *flight.FlightDescriptor) (string, string, error) {
	if desc == nil || desc.Type != flight.DescriptorPATH {
		return "", "", fmt.Errorf("%w: flight descriptor must be a path", ingesterr.ErrInvalidRequest)
	}
	switch len(desc.Path) {
	case 1:
		if desc.Path[0] == "" {
			return "", "", ingesterr.ErrMissingTable
		}
		return "", desc.Path[0], nil
	case 2:
		if desc.Path[1] == "" {
			return "", "", ingesterr.ErrMissingTable
		}
		return desc.Path[0], desc.Path[1], nil
	case 0:
		return "", "", ingesterr.ErrMissingTable
	default:
		return "", "", fmt.Errorf("%w: descriptor path %q has %d elements, want [table] or [namespace, table]",
			ingesterr.ErrInvalidRequest, strings.Join(desc.Path, "/"), len(desc.Path))
	}
}

func firstBatch(rdr *flight.Reader) (*batch.Batch, error) {
	if !rdr.Next() {
		if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ingesterr.DecodeError{Kind: ingesterr.DecodeMalformed, Err: fmt.Errorf("read record batch: %w", err)}
		}
		return nil, &ingesterr.DecodeError{Kind: ingesterr.DecodeEmpty}
	}
	return batch.FromRecord(rdr.Schema(), rdr.Record())
}

func grpcCode(err error) codes.Code {
	var sm *ingesterr.SchemaMismatchError
	var we *ingesterr.WriteError
	switch {
	case errors.As(err, &sm):
		return codes.FailedPrecondition
	case ingesterr.IsClientFault(err):
		return codes.InvalidArgument
	case ingesterr.IsUnavailable(err):
		return codes.Unavailable
	case errors.As(err, &we) && we.Kind == ingesterr.WriteCommitConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
