package communication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestFileMetadata_UploadTimeSurvivesEncoding(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
	in := FileMetadata{FileName: "a.txt", UploadTime: at, Version: 3, Size: 42, FileID: "id-1"}

	data, err := in.MarshalWire()
	require.NoError(t, err)

	var out FileMetadata
	require.NoError(t, out.UnmarshalWire(data))
	assert.Equal(t, in.FileName, out.FileName)
	assert.True(t, at.Equal(out.UploadTime))
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Size, out.Size)
	assert.Equal(t, in.FileID, out.FileID)
}

func TestUnmarshalWire_SkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "report.pdf")
	b = protowire.AppendTag(b, 10, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, 2)

	var req DownloadRequest
	require.NoError(t, req.UnmarshalWire(b))
	assert.Equal(t, DownloadRequest{FileName: "report.pdf", Version: 2}, req)
}

func TestUnmarshalWire_Malformed(t *testing.T) {
	good, err := (&UploadRequest{FileName: "a", FileData: []byte("payload")}).MarshalWire()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated", data: good[:len(good)-2]},
		{name: "length past end", data: protowire.AppendVarint(protowire.AppendTag(nil, 2, protowire.BytesType), 64)},
		{name: "invalid utf-8 name", data: protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), []byte{0xff, 0xfe})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req UploadRequest
			assert.ErrorIs(t, req.UnmarshalWire(tt.data), ErrMalformedMessage)
		})
	}
}

func TestUploadRequest_DataDoesNotAliasInput(t *testing.T) {
	data, err := (&UploadRequest{FileName: "a", FileData: []byte("chunk")}).MarshalWire()
	require.NoError(t, err)

	var req UploadRequest
	require.NoError(t, req.UnmarshalWire(data))
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("chunk"), req.FileData)
}

func TestCodec_RejectsForeignTypes(t *testing.T) {
	_, err := Codec{}.Marshal("plain string")
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.ErrorIs(t, Codec{}.Unmarshal(nil, new(int)), ErrUnsupportedType)
}

func TestListVersionsResponse_NestedMessages(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	in := ListVersionsResponse{Versions: []FileMetadata{
		{FileName: "a", Version: 2, Size: 20, FileID: "id-2", UploadTime: at.Add(time.Hour)},
		{FileName: "a", Version: 1, Size: 10, FileID: "id-1"},
	}}

	data, err := in.MarshalWire()
	require.NoError(t, err)

	var out ListVersionsResponse
	require.NoError(t, out.UnmarshalWire(data))
	require.Len(t, out.Versions, 2)
	assert.Equal(t, int64(2), out.Versions[0].Version)
	assert.True(t, at.Add(time.Hour).Equal(out.Versions[0].UploadTime))
	assert.True(t, out.Versions[1].UploadTime.IsZero())
	assert.Equal(t, "id-1", out.Versions[1].FileID)
}

func TestFileDescriptor_MatchesServiceDesc(t *testing.T) {
	svc := fileDescriptor.Services().ByName("FileStorage")
	require.NotNil(t, svc)
	assert.Equal(t, ServiceName, string(svc.FullName()))

	tests := []struct {
		method       string
		fullMethod   string
		clientStream bool
		serverStream bool
	}{
		{method: "Upload", fullMethod: FullMethodUpload, clientStream: true},
		{method: "Download", fullMethod: FullMethodDownload, serverStream: true},
		{method: "GetMetadata", fullMethod: FullMethodGetMetadata},
		{method: "ListVersions", fullMethod: FullMethodListVersions},
		{method: "ListFiles", fullMethod: FullMethodListFiles},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			md := svc.Methods().ByName(protoreflect.Name(tt.method))
			require.NotNil(t, md)
			assert.Equal(t, tt.fullMethod, "/"+string(svc.FullName())+"/"+tt.method)
			assert.Equal(t, tt.clientStream, md.IsStreamingClient())
			assert.Equal(t, tt.serverStream, md.IsStreamingServer())
		})
	}
}
