// Package grpcserver exposes stitching over gRPC. The service is described by
// hand with protobuf well-known types, so no generated code is needed:
//
//	service panocap.v1.Stitcher {
//	  rpc Stitch(stream google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	  rpc Progress(google.protobuf.StringValue) returns (stream google.protobuf.Struct);
//	  rpc GetPanorama(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	  rpc DownloadPanorama(google.protobuf.StringValue) returns (stream google.protobuf.BytesValue);
//	}
package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"panocap/internal/pano"
	"panocap/internal/pipeline"
	"panocap/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "panocap.v1.Stitcher"

const chunkSize = 64 << 10

// StitcherServer is the server API for the Stitcher service.
type StitcherServer interface {
	Stitch(stream grpc.ServerStream) error
	Progress(req *wrapperspb.StringValue, stream grpc.ServerStream) error
	GetPanorama(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	DownloadPanorama(req *wrapperspb.StringValue, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StitcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPanorama", Handler: getPanoramaHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stitch", Handler: stitchHandler, ClientStreams: true},
		{StreamName: "Progress", Handler: progressHandler, ServerStreams: true},
		{StreamName: "DownloadPanorama", Handler: downloadHandler, ServerStreams: true},
	},
	Metadata: "panocap/v1/stitcher.proto",
}

func getPanoramaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StitcherServer).GetPanorama(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetPanorama"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StitcherServer).GetPanorama(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func stitchHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StitcherServer).Stitch(stream)
}

func progressHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StitcherServer).Progress(in, stream)
}

func downloadHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StitcherServer).DownloadPanorama(in, stream)
}

// Server implements StitcherServer on top of the job pipeline.
type Server struct {
	pipe  *pipeline.Pipeline
	store *storage.Store
	log   *slog.Logger
	gs    *grpc.Server
}

// New creates a server; call Register or Serve to expose it.
func New(pipe *pipeline.Pipeline, store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipe: pipe, store: store, log: logger}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.gs = grpc.NewServer()
	s.Register(s.gs)
	go func() {
		<-ctx.Done()
		s.gs.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := s.gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Stitch receives PNG (or any decodable) frames in capture order, runs the
// stitch through the pipeline and returns the job metadata.
func (s *Server) Stitch(stream grpc.ServerStream) error {
	var seq pano.FrameSequence
	for {
		in := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		img, err := pano.Decode(bytes.NewReader(in.GetValue()))
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "frame %d: %v", seq.Len(), err)
		}
		seq.Append(pano.Frame{Slot: seq.Len(), Image: img, CapturedAt: time.Now()})
	}
	if seq.Len() < 2 {
		return statusFor(pano.Errorf(pano.KindInsufficientFrames, "stitch", "received %d frames, need at least 2", seq.Len()))
	}

	results, unsub := s.pipe.Subscribe()
	defer unsub()

	job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobStitch, Frames: seq}
	if err := s.pipe.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	s.log.Info("grpc stitch accepted", "job", job.ID, "frames", seq.Len())

	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case res, ok := <-results:
			if !ok {
				return status.Error(codes.Unavailable, "pipeline stopped")
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				return statusFor(res.Error)
			}
			out, err := structpb.NewStruct(withJobID(res.Meta, job.ID))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.SendMsg(out)
		}
	}
}

// Progress streams updates for one job, or for every job when the id is
// empty. A single-job stream ends after that job's result.
func (s *Server) Progress(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	jobID := req.GetValue()
	progress, unsubProgress := s.pipe.SubscribeProgress()
	defer unsubProgress()
	results, unsubResults := s.pipe.Subscribe()
	defer unsubResults()

	// headers tell the client the subscription is live
	if err := stream.SendHeader(metadata.Pairs("subscribed", "true")); err != nil {
		return err
	}

	send := func(u pipeline.Update) error {
		if jobID != "" && u.JobID != jobID {
			return nil
		}
		msg, err := structpb.NewStruct(map[string]any{
			"job_id":  u.JobID,
			"phase":   u.Phase,
			"stage":   u.Stage.String(),
			"percent": u.Percent,
			"message": u.Message,
		})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(msg)
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case u, ok := <-progress:
			if !ok {
				return nil
			}
			if err := send(u); err != nil {
				return err
			}
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if jobID == "" || res.Job.ID != jobID {
				continue
			}
			// progress for a job is published before its result
			for {
				select {
				case u, ok := <-progress:
					if !ok {
						return nil
					}
					if err := send(u); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// GetPanorama returns the stored metadata of a panorama.
func (s *Server) GetPanorama(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	rec, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	frames := make([]any, 0, len(rec.Frames))
	for _, f := range rec.Frames {
		frames = append(frames, map[string]any{
			"slot":   f.Slot,
			"path":   f.Path,
			"width":  f.Width,
			"height": f.Height,
		})
	}
	return structpb.NewStruct(map[string]any{
		"id":          rec.ID,
		"job_id":      rec.JobID,
		"path":        rec.Path,
		"width":       rec.Width,
		"height":      rec.Height,
		"frame_count": rec.FrameCount,
		"stitcher":    rec.Stitcher,
		"projection":  rec.Projection,
		"created_at":  rec.CreatedAt.Format(time.RFC3339),
		"frames":      frames,
	})
}

// DownloadPanorama streams the stored PNG in chunks.
func (s *Server) DownloadPanorama(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	rec, err := s.lookup(req.GetValue())
	if err != nil {
		return err
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return status.Errorf(codes.NotFound, "panorama file: %v", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := stream.SendMsg(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
	}
}

func (s *Server) lookup(id string) (*storage.PanoramaRecord, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "panorama id is required")
	}
	rec, err := s.store.GetPanorama(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "panorama %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return rec, nil
}

func withJobID(meta map[string]any, id string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["job_id"] = id
	return out
}

// statusFor maps stitch failures onto gRPC codes.
func statusFor(err error) error {
	var code codes.Code
	switch pano.KindOf(err) {
	case pano.KindInsufficientFrames:
		code = codes.InvalidArgument
	case pano.KindFeatureDetectionFailed, pano.KindHomographyEstimationFailed:
		code = codes.FailedPrecondition
	case pano.KindEngineUnavailable:
		code = codes.Unavailable
	case pano.KindEncodingFailed:
		code = codes.ResourceExhausted
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
