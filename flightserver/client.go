package flightserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/florinutz/iceingest/server"
	"github.com/florinutz/iceingest/tracing"
)

// Client sends record batches to a Flight ingest server.
type Client struct {
	client flight.Client
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &Client{client: c}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Put streams rec to namespace.table and returns the server's response.
// A server-side failure still yields the decoded response alongside the
// gRPC status error when the server sent one.
func (c *Client) Put(ctx context.Context, namespace, table string, rec arrow.Record) (server.Response, error) {
	var resp server.Response

	stream, err := c.client.DoPut(tracing.InjectGRPC(ctx))
	if err != nil {
		return resp, fmt.Errorf("flight do_put: %w", err)
	}

	path := []string{table}
	if namespace != "" {
		path = []string{namespace, table}
	}
	// io.EOF from a send means the server already ended the call; its
	// status is read below.
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	err = w.Write(rec)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return resp, fmt.Errorf("flight write: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return resp, fmt.Errorf("flight close send: %w", err)
	}

	var got bool
	var callErr error
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			callErr = err
			break
		}
		if !got && len(res.GetAppMetadata()) > 0 {
			if err := json.Unmarshal(res.GetAppMetadata(), &resp); err != nil {
				return resp, fmt.Errorf("decode put result: %w", err)
			}
			got = true
		}
	}
	if callErr != nil {
		return resp, callErr
	}
	if !got {
		return resp, errors.New("flight server sent no put result")
	}
	return resp, nil
}
