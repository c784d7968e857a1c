package communication

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The descriptor mirrors api/chunkstore.proto.
var fileDescriptor = buildFileDescriptor()

var (
	uploadRequestDesc        = messageDescriptor("UploadRequest")
	uploadResponseDesc       = messageDescriptor("UploadResponse")
	downloadRequestDesc      = messageDescriptor("DownloadRequest")
	downloadChunkDesc        = messageDescriptor("DownloadChunk")
	metadataRequestDesc      = messageDescriptor("MetadataRequest")
	fileMetadataDesc         = messageDescriptor("FileMetadata")
	listVersionsRequestDesc  = messageDescriptor("ListVersionsRequest")
	listVersionsResponseDesc = messageDescriptor("ListVersionsResponse")
	listFilesRequestDesc     = messageDescriptor("ListFilesRequest")
	fileSummaryDesc          = messageDescriptor("FileSummary")
	listFilesResponseDesc    = messageDescriptor("ListFilesResponse")
)

const (
	protoPackage  = "chunkstore"
	timestampType = ".google.protobuf.Timestamp"
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func messageField(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := field(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String(typeName)
	return f
}

func repeatedField(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := messageField(name, num, typeName)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func rpc(name, in, out string, clientStreaming, serverStreaming bool) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:            proto.String(name),
		InputType:       proto.String("." + protoPackage + "." + in),
		OutputType:      proto.String("." + protoPackage + "." + out),
		ClientStreaming: proto.Bool(clientStreaming),
		ServerStreaming: proto.Bool(serverStreaming),
	}
}

func buildFileDescriptor() protoreflect.FileDescriptor {
	const (
		str  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		data = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		i64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	)
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("api/chunkstore.proto"),
		Package:    proto.String(protoPackage),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		Syntax:     proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("UploadRequest", field("file_name", 1, str), field("file_data", 2, data)),
			message("UploadResponse",
				field("message", 1, str), field("file_id", 2, str), field("version", 3, i64), field("size", 4, i64)),
			message("DownloadRequest", field("file_name", 1, str), field("file_id", 2, str), field("version", 3, i64)),
			message("DownloadChunk", field("data", 1, data)),
			message("MetadataRequest", field("file_name", 1, str), field("version", 2, i64)),
			message("FileMetadata",
				field("file_name", 1, str), messageField("upload_time", 2, timestampType),
				field("version", 3, i64), field("size", 4, i64), field("file_id", 5, str)),
			message("ListVersionsRequest", field("file_name", 1, str)),
			message("ListVersionsResponse", repeatedField("versions", 1, ".chunkstore.FileMetadata")),
			message("ListFilesRequest"),
			message("FileSummary",
				field("file_name", 1, str), field("latest_version", 2, i64), field("file_id", 3, str),
				field("size", 4, i64), messageField("upload_time", 5, timestampType), field("chunk_count", 6, i64)),
			message("ListFilesResponse", repeatedField("files", 1, ".chunkstore.FileSummary")),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("FileStorage"),
			Method: []*descriptorpb.MethodDescriptorProto{
				rpc("Upload", "UploadRequest", "UploadResponse", true, false),
				rpc("Download", "DownloadRequest", "DownloadChunk", false, true),
				rpc("GetMetadata", "MetadataRequest", "FileMetadata", false, false),
				rpc("ListVersions", "ListVersionsRequest", "ListVersionsResponse", false, false),
				rpc("ListFiles", "ListFilesRequest", "ListFilesResponse", false, false),
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("chunkstore descriptor: %v", err))
	}
	return fd
}

func messageDescriptor(name protoreflect.Name) protoreflect.MessageDescriptor {
	md := fileDescriptor.Messages().ByName(name)
	if md == nil {
		panic(fmt.Sprintf("chunkstore descriptor: no message %s", name))
	}
	return md
}
