package grpccomm

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/AnishMulay/chunkstore/internal/communication"
	"github.com/AnishMulay/chunkstore/internal/file_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCServer exposes a FileService as chunkstore.FileStorage.
type GRPCServer struct {
	listenAddress string
	grpcServer    *grpc.Server
	ls            log_service.LogService

	stopped   bool
	stopMutex sync.Mutex
}

func NewGRPCServer(addr string, fs file_service.FileService, ls log_service.LogService, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		listenAddress: addr,
		grpcServer:    grpc.NewServer(opts...),
		ls:            ls,
	}
	communication.RegisterFileStorageServer(s.grpcServer, &fileStorageServer{fs: fs, ls: ls})
	return s
}

func (s *GRPCServer) Address() string {
	return s.listenAddress
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC server",
		Metadata: map[string]any{"address": s.listenAddress},
	})

	lis, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": s.listenAddress, "error": err.Error()},
		})
		return communication.ErrServerStartFailed
	}
	s.listenAddress = lis.Addr().String()

	go s.Serve(lis)
	return nil
}

// Serve blocks serving lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) {
	s.ls.Info(log_service.LogEvent{
		Message:  "GRPC server started successfully",
		Metadata: map[string]any{"address": lis.Addr().String()},
	})
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.ls.Error(log_service.LogEvent{
			Message:  "GRPC server error",
			Metadata: map[string]any{"address": lis.Addr().String(), "error": err.Error()},
		})
	}
}

func (s *GRPCServer) Stop() error {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()

	if s.stopped {
		s.ls.Debug(log_service.LogEvent{
			Message:  "GRPC server already stopped, skipping",
			Metadata: map[string]any{"address": s.listenAddress},
		})
		return nil
	}

	s.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC server",
		Metadata: map[string]any{"address": s.listenAddress},
	})
	s.grpcServer.GracefulStop()
	s.stopped = true
	return nil
}

type fileStorageServer struct {
	communication.UnimplementedFileStorageServer
	fs file_service.FileService
	ls log_service.LogService
}

type uploadSource struct {
	stream grpc.ClientStreamingServer[communication.UploadRequest, communication.UploadResponse]
}

func (u uploadSource) Recv() (file_service.Fragment, error) {
	msg, err := u.stream.Recv()
	if err != nil {
		return file_service.Fragment{}, err
	}
	return file_service.Fragment{Name: msg.FileName, Data: msg.FileData}, nil
}

func (s *fileStorageServer) Upload(stream grpc.ClientStreamingServer[communication.UploadRequest, communication.UploadResponse]) error {
	res, err := s.fs.Upload(stream.Context(), uploadSource{stream: stream})
	if err != nil {
		return s.toStatus("Upload", err)
	}
	return stream.SendAndClose(&communication.UploadResponse{
		Message: res.Message,
		FileID:  res.FileID,
		Version: int64(res.Version),
		Size:    res.Size,
	})
}

func (s *fileStorageServer) Download(req *communication.DownloadRequest, stream grpc.ServerStreamingServer[communication.DownloadChunk]) error {
	err := s.fs.Download(stream.Context(), file_service.DownloadRequest{
		FileID:  req.FileID,
		Name:    req.FileName,
		Version: int(req.Version),
	}, func(data []byte) error {
		return stream.Send(&communication.DownloadChunk{Data: data})
	})
	if err != nil {
		return s.toStatus("Download", err)
	}
	return nil
}

func (s *fileStorageServer) GetMetadata(ctx context.Context, req *communication.MetadataRequest) (*communication.FileMetadata, error) {
	file, err := s.fs.GetMetadata(ctx, req.FileName, int(req.Version))
	if err != nil {
		return nil, s.toStatus("GetMetadata", err)
	}
	meta := toFileMetadata(file)
	return &meta, nil
}

func (s *fileStorageServer) ListVersions(ctx context.Context, req *communication.ListVersionsRequest) (*communication.ListVersionsResponse, error) {
	versions, err := s.fs.ListVersions(ctx, req.FileName)
	if err != nil {
		return nil, s.toStatus("ListVersions", err)
	}
	resp := &communication.ListVersionsResponse{Versions: make([]communication.FileMetadata, 0, len(versions))}
	for _, f := range versions {
		resp.Versions = append(resp.Versions, toFileMetadata(f))
	}
	return resp, nil
}

func (s *fileStorageServer) ListFiles(ctx context.Context, _ *communication.ListFilesRequest) (*communication.ListFilesResponse, error) {
	files, err := s.fs.ListFiles(ctx)
	if err != nil {
		return nil, s.toStatus("ListFiles", err)
	}
	resp := &communication.ListFilesResponse{Files: make([]communication.FileSummary, 0, len(files))}
	for _, f := range files {
		resp.Files = append(resp.Files, communication.FileSummary{
			FileName:      f.Name,
			LatestVersion: int64(f.LatestVersion),
			FileID:        f.FileID,
			Size:          f.Size,
			UploadTime:    f.UploadedAt,
			ChunkCount:    int64(f.ChunkCount),
		})
	}
	return resp, nil
}

func toFileMetadata(f metadata_service.File) communication.FileMetadata {
	return communication.FileMetadata{
		FileName:   f.Name,
		UploadTime: f.UploadedAt,
		Version:    int64(f.Version),
		Size:       f.Size,
		FileID:     f.ID,
	}
}

// toStatus maps service errors onto gRPC codes. Statuses from the transport
// pass through; unknown errors are logged and reported as Internal.
func (s *fileStorageServer) toStatus(method string, err error) error {
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	code := statusCode(err)
	if code == codes.Internal {
		s.ls.Error(log_service.LogEvent{
			Message:  "RPC failed",
			Metadata: map[string]any{"method": method, "error": err.Error()},
		})
		return status.Error(codes.Internal, "internal error")
	}
	s.ls.Debug(log_service.LogEvent{
		Message:  "RPC rejected",
		Metadata: map[string]any{"method": method, "code": code.String(), "error": err.Error()},
	})
	return status.Error(code, err.Error())
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, file_service.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, file_service.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, file_service.ErrDataUnavailable):
		return codes.Unavailable
	case errors.Is(err, file_service.ErrWriteFailed):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, io.ErrUnexpectedEOF):
		return codes.Aborted
	}
	return codes.Internal
}
