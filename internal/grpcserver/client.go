package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the Stitcher service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func method(name string) string { return "/" + ServiceName + "/" + name }

// Stitch uploads encoded frames in order and waits for the stitched result.
func (c *Client) Stitch(ctx context.Context, frames [][]byte) (*structpb.Struct, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], method("Stitch"))
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		// io.EOF means the server already ended the call; RecvMsg reports why.
		if err := stream.SendMsg(wrapperspb.Bytes(f)); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProgressStream yields progress messages until the server ends the stream.
type ProgressStream struct {
	stream grpc.ClientStream
}

// Recv returns the next update, or io.EOF when the stream is finished.
func (p *ProgressStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := p.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Progress subscribes to updates for jobID (all jobs when empty). It returns
// once the server has confirmed the subscription.
func (c *Client) Progress(ctx context.Context, jobID string) (*ProgressStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[1], method("Progress"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(jobID)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		return nil, err
	}
	return &ProgressStream{stream: stream}, nil
}

// GetPanorama fetches stored panorama metadata.
func (c *Client) GetPanorama(ctx context.Context, id string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("GetPanorama"), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadPanorama copies the stored PNG into w.
func (c *Client) DownloadPanorama(ctx context.Context, id string, w io.Writer) (int64, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[2], method("DownloadPanorama"))
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(wrapperspb.String(id)); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}
	var total int64
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk.GetValue())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
