package communication

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "chunkstore.FileStorage"

	FullMethodUpload       = "/" + ServiceName + "/Upload"
	FullMethodDownload     = "/" + ServiceName + "/Download"
	FullMethodGetMetadata  = "/" + ServiceName + "/GetMetadata"
	FullMethodListVersions = "/" + ServiceName + "/ListVersions"
	FullMethodListFiles    = "/" + ServiceName + "/ListFiles"
)

type FileStorageServer interface {
	Upload(grpc.ClientStreamingServer[UploadRequest, UploadResponse]) error
	Download(*DownloadRequest, grpc.ServerStreamingServer[DownloadChunk]) error
	GetMetadata(context.Context, *MetadataRequest) (*FileMetadata, error)
	ListVersions(context.Context, *ListVersionsRequest) (*ListVersionsResponse, error)
	ListFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error)
}

type UnimplementedFileStorageServer struct{}

func (UnimplementedFileStorageServer) Upload(grpc.ClientStreamingServer[UploadRequest, UploadResponse]) error {
	return status.Error(codes.Unimplemented, "method Upload not implemented")
}

func (UnimplementedFileStorageServer) Download(*DownloadRequest, grpc.ServerStreamingServer[DownloadChunk]) error {
	return status.Error(codes.Unimplemented, "method Download not implemented")
}

func (UnimplementedFileStorageServer) GetMetadata(context.Context, *MetadataRequest) (*FileMetadata, error) {
	return nil, status.Error(codes.Unimplemented, "method GetMetadata not implemented")
}

func (UnimplementedFileStorageServer) ListVersions(context.Context, *ListVersionsRequest) (*ListVersionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListVersions not implemented")
}

func (UnimplementedFileStorageServer) ListFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListFiles not implemented")
}

func RegisterFileStorageServer(s grpc.ServiceRegistrar, srv FileStorageServer) {
	s.RegisterService(&FileStorageServiceDesc, srv)
}

func uploadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FileStorageServer).Upload(&grpc.GenericServerStream[UploadRequest, UploadResponse]{ServerStream: stream})
}

func downloadHandler(srv any, stream grpc.ServerStream) error {
	in := new(DownloadRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FileStorageServer).Download(in, &grpc.GenericServerStream[DownloadRequest, DownloadChunk]{ServerStream: stream})
}

func getMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetadataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileStorageServer).GetMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethodGetMetadata}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileStorageServer).GetMetadata(ctx, req.(*MetadataRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listVersionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListVersionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileStorageServer).ListVersions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethodListVersions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileStorageServer).ListVersions(ctx, req.(*ListVersionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listFilesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListFilesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileStorageServer).ListFiles(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethodListFiles}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileStorageServer).ListFiles(ctx, req.(*ListFilesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// FileStorageServiceDesc describes chunkstore.FileStorage as declared in
// api/chunkstore.proto.
var FileStorageServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FileStorageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMetadata", Handler: getMetadataHandler},
		{MethodName: "ListVersions", Handler: listVersionsHandler},
		{MethodName: "ListFiles", Handler: listFilesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Upload", Handler: uploadHandler, ClientStreams: true},
		{StreamName: "Download", Handler: downloadHandler, ServerStreams: true},
	},
	Metadata: "api/chunkstore.proto",
}

type FileStorageClient interface {
	Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[UploadRequest, UploadResponse], error)
	Download(ctx context.Context, in *DownloadRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[DownloadChunk], error)
	GetMetadata(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*FileMetadata, error)
	ListVersions(ctx context.Context, in *ListVersionsRequest, opts ...grpc.CallOption) (*ListVersionsResponse, error)
	ListFiles(ctx context.Context, in *ListFilesRequest, opts ...grpc.CallOption) (*ListFilesResponse, error)
}

type fileStorageClient struct {
	cc grpc.ClientConnInterface
}

// NewFileStorageClient returns a client whose calls use the chunkstore codec.
func NewFileStorageClient(cc grpc.ClientConnInterface) FileStorageClient {
	return &fileStorageClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *fileStorageClient) Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[UploadRequest, UploadResponse], error) {
	stream, err := c.cc.NewStream(ctx, &FileStorageServiceDesc.Streams[0], FullMethodUpload, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[UploadRequest, UploadResponse]{ClientStream: stream}, nil
}

func (c *fileStorageClient) Download(ctx context.Context, in *DownloadRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[DownloadChunk], error) {
	stream, err := c.cc.NewStream(ctx, &FileStorageServiceDesc.Streams[1], FullMethodDownload, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[DownloadRequest, DownloadChunk]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *fileStorageClient) GetMetadata(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*FileMetadata, error) {
	out := new(FileMetadata)
	if err := c.cc.Invoke(ctx, FullMethodGetMetadata, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fileStorageClient) ListVersions(ctx context.Context, in *ListVersionsRequest, opts ...grpc.CallOption) (*ListVersionsResponse, error) {
	out := new(ListVersionsResponse)
	if err := c.cc.Invoke(ctx, FullMethodListVersions, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fileStorageClient) ListFiles(ctx context.Context, in *ListFilesRequest, opts ...grpc.CallOption) (*ListFilesResponse, error) {
	out := new(ListFilesResponse)
	if err := c.cc.Invoke(ctx, FullMethodListFiles, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
