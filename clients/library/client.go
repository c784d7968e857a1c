package chunklib

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/AnishMulay/chunkstore/internal/communication"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultFrameSize is the payload size of one upload message.
const DefaultFrameSize = 64 * 1024

type UploadResult struct {
	Message string
	FileID  string
	Version int64
	Size    int64
}

// Selector picks a file by id, or by name at Version (0 for the latest).
type Selector struct {
	FileID  string
	Name    string
	Version int64
}

// Client talks to one coordinator. It is safe for concurrent use.
type Client struct {
	conn      *grpc.ClientConn
	rpc       communication.FileStorageClient
	FrameSize int
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrClientCreateFailed, err)
	}
	return &Client{
		conn:      conn,
		rpc:       communication.NewFileStorageClient(conn),
		FrameSize: DefaultFrameSize,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Upload streams r as a new version of name.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	stream, err := c.rpc.Upload(ctx)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}

	buf := make([]byte, c.FrameSize)
	first := true
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 || first {
			msg := &communication.UploadRequest{FileData: buf[:n]}
			if first {
				msg.FileName = name
				first = false
			}
			if err := stream.Send(msg); err != nil {
				// The server ended the stream; its status arrives on CloseAndRecv.
				if errors.Is(err, io.EOF) {
					break
				}
				return UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return UploadResult{}, fmt.Errorf("upload %s: read source: %w", name, readErr)
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return UploadResult{
		Message: resp.Message,
		FileID:  resp.FileID,
		Version: resp.Version,
		Size:    resp.Size,
	}, nil
}

// Download writes the selected file to w and returns the bytes written.
// On error w may already hold a prefix of the file.
func (c *Client) Download(ctx context.Context, sel Selector, w io.Writer) (int64, error) {
	stream, err := c.rpc.Download(ctx, &communication.DownloadRequest{
		FileName: sel.Name,
		FileID:   sel.FileID,
		Version:  sel.Version,
	})
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	var written int64
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("download: %w", err)
		}
		n, err := w.Write(msg.Data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("download: write: %w", err)
		}
	}
}

func (c *Client) GetMetadata(ctx context.Context, name string, version int64) (communication.FileMetadata, error) {
	resp, err := c.rpc.GetMetadata(ctx, &communication.MetadataRequest{FileName: name, Version: version})
	if err != nil {
		return communication.FileMetadata{}, fmt.Errorf("metadata %s: %w", name, err)
	}
	return *resp, nil
}

// ListVersions returns the versions of name, newest first.
func (c *Client) ListVersions(ctx context.Context, name string) ([]communication.FileMetadata, error) {
	resp, err := c.rpc.ListVersions(ctx, &communication.ListVersionsRequest{FileName: name})
	if err != nil {
		return nil, fmt.Errorf("versions %s: %w", name, err)
	}
	return resp.Versions, nil
}

func (c *Client) ListFiles(ctx context.Context) ([]communication.FileSummary, error) {
	resp, err := c.rpc.ListFiles(ctx, &communication.ListFilesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return resp.Files, nil
}
