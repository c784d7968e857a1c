package communication

import (
	"bytes"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// WireMessage is a message that encodes itself in protobuf wire format
// through the chunkstore descriptor.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

type UploadRequest struct {
	FileName string
	FileData []byte
}

type UploadResponse struct {
	Message string
	FileID  string
	Version int64
	Size    int64
}

type DownloadRequest struct {
	FileName string
	FileID   string
	Version  int64
}

type DownloadChunk struct {
	Data []byte
}

type MetadataRequest struct {
	FileName string
	Version  int64
}

type FileMetadata struct {
	FileName   string
	UploadTime time.Time
	Version    int64
	Size       int64
	FileID     string
}

type ListVersionsRequest struct {
	FileName string
}

type ListVersionsResponse struct {
	Versions []FileMetadata
}

type ListFilesRequest struct{}

type FileSummary struct {
	FileName      string
	LatestVersion int64
	FileID        string
	Size          int64
	UploadTime    time.Time
	ChunkCount    int64
}

type ListFilesResponse struct {
	Files []FileSummary
}

func encode(m *dynamicpb.Message) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func decode(md protoreflect.MessageDescriptor, data []byte) (*dynamicpb.Message, error) {
	m := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

func fieldOf(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func setString(m protoreflect.Message, name protoreflect.Name, v string) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfString(v))
}

func setBytes(m protoreflect.Message, name protoreflect.Name, v []byte) {
	if len(v) > 0 {
		m.Set(fieldOf(m, name), protoreflect.ValueOfBytes(v))
	}
}

func setInt(m protoreflect.Message, name protoreflect.Name, v int64) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfInt64(v))
}

// setTime leaves the field unset for the zero time.
func setTime(m protoreflect.Message, name protoreflect.Name, t time.Time) {
	if t.IsZero() {
		return
	}
	fd := fieldOf(m, name)
	ts := timestamppb.New(t)
	nested := m.NewField(fd).Message()
	nested.Set(fieldOf(nested, "seconds"), protoreflect.ValueOfInt64(ts.GetSeconds()))
	nested.Set(fieldOf(nested, "nanos"), protoreflect.ValueOfInt32(ts.GetNanos()))
	m.Set(fd, protoreflect.ValueOfMessage(nested))
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(fieldOf(m, name)).String()
}

// getBytes copies so the result never aliases a decode buffer.
func getBytes(m protoreflect.Message, name protoreflect.Name) []byte {
	v := m.Get(fieldOf(m, name)).Bytes()
	if len(v) == 0 {
		return nil
	}
	return bytes.Clone(v)
}

func getInt(m protoreflect.Message, name protoreflect.Name) int64 {
	return m.Get(fieldOf(m, name)).Int()
}

func getTime(m protoreflect.Message, name protoreflect.Name) time.Time {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return time.Time{}
	}
	nested := m.Get(fd).Message()
	ts := &timestamppb.Timestamp{
		Seconds: nested.Get(fieldOf(nested, "seconds")).Int(),
		Nanos:   int32(nested.Get(fieldOf(nested, "nanos")).Int()),
	}
	return ts.AsTime()
}

// appendElems adds n elements to the repeated message field name.
func appendElems(m protoreflect.Message, name protoreflect.Name, n int, fill func(i int, elem protoreflect.Message)) {
	if n == 0 {
		return
	}
	list := m.Mutable(fieldOf(m, name)).List()
	for i := 0; i < n; i++ {
		elem := list.NewElement()
		fill(i, elem.Message())
		list.Append(elem)
	}
}

func eachElem(m protoreflect.Message, name protoreflect.Name, fn func(elem protoreflect.Message)) {
	list := m.Get(fieldOf(m, name)).List()
	for i := 0; i < list.Len(); i++ {
		fn(list.Get(i).Message())
	}
}

func (m *UploadRequest) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(uploadRequestDesc)
	setString(msg, "file_name", m.FileName)
	setBytes(msg, "file_data", m.FileData)
	return encode(msg)
}

func (m *UploadRequest) UnmarshalWire(data []byte) error {
	msg, err := decode(uploadRequestDesc, data)
	if err != nil {
		return err
	}
	*m = UploadRequest{FileName: getString(msg, "file_name"), FileData: getBytes(msg, "file_data")}
	return nil
}

func (m *UploadResponse) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(uploadResponseDesc)
	setString(msg, "message", m.Message)
	setString(msg, "file_id", m.FileID)
	setInt(msg, "version", m.Version)
	setInt(msg, "size", m.Size)
	return encode(msg)
}

func (m *UploadResponse) UnmarshalWire(data []byte) error {
	msg, err := decode(uploadResponseDesc, data)
	if err != nil {
		return err
	}
	*m = UploadResponse{
		Message: getString(msg, "message"),
		FileID:  getString(msg, "file_id"),
		Version: getInt(msg, "version"),
		Size:    getInt(msg, "size"),
	}
	return nil
}

func (m *DownloadRequest) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(downloadRequestDesc)
	setString(msg, "file_name", m.FileName)
	setString(msg, "file_id", m.FileID)
	setInt(msg, "version", m.Version)
	return encode(msg)
}

func (m *DownloadRequest) UnmarshalWire(data []byte) error {
	msg, err := decode(downloadRequestDesc, data)
	if err != nil {
		return err
	}
	*m = DownloadRequest{
		FileName: getString(msg, "file_name"),
		FileID:   getString(msg, "file_id"),
		Version:  getInt(msg, "version"),
	}
	return nil
}

func (m *DownloadChunk) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(downloadChunkDesc)
	setBytes(msg, "data", m.Data)
	return encode(msg)
}

func (m *DownloadChunk) UnmarshalWire(data []byte) error {
	msg, err := decode(downloadChunkDesc, data)
	if err != nil {
		return err
	}
	*m = DownloadChunk{Data: getBytes(msg, "data")}
	return nil
}

func (m *MetadataRequest) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(metadataRequestDesc)
	setString(msg, "file_name", m.FileName)
	setInt(msg, "version", m.Version)
	return encode(msg)
}

func (m *MetadataRequest) UnmarshalWire(data []byte) error {
	msg, err := decode(metadataRequestDesc, data)
	if err != nil {
		return err
	}
	*m = MetadataRequest{FileName: getString(msg, "file_name"), Version: getInt(msg, "version")}
	return nil
}

func (m *FileMetadata) fill(msg protoreflect.Message) {
	setString(msg, "file_name", m.FileName)
	setTime(msg, "upload_time", m.UploadTime)
	setInt(msg, "version", m.Version)
	setInt(msg, "size", m.Size)
	setString(msg, "file_id", m.FileID)
}

func (m *FileMetadata) read(msg protoreflect.Message) {
	*m = FileMetadata{
		FileName:   getString(msg, "file_name"),
		UploadTime: getTime(msg, "upload_time"),
		Version:    getInt(msg, "version"),
		Size:       getInt(msg, "size"),
		FileID:     getString(msg, "file_id"),
	}
}

func (m *FileMetadata) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(fileMetadataDesc)
	m.fill(msg)
	return encode(msg)
}

func (m *FileMetadata) UnmarshalWire(data []byte) error {
	msg, err := decode(fileMetadataDesc, data)
	if err != nil {
		return err
	}
	m.read(msg)
	return nil
}

func (m *ListVersionsRequest) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(listVersionsRequestDesc)
	setString(msg, "file_name", m.FileName)
	return encode(msg)
}

func (m *ListVersionsRequest) UnmarshalWire(data []byte) error {
	msg, err := decode(listVersionsRequestDesc, data)
	if err != nil {
		return err
	}
	*m = ListVersionsRequest{FileName: getString(msg, "file_name")}
	return nil
}

func (m *ListVersionsResponse) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(listVersionsResponseDesc)
	appendElems(msg, "versions", len(m.Versions), func(i int, elem protoreflect.Message) {
		m.Versions[i].fill(elem)
	})
	return encode(msg)
}

func (m *ListVersionsResponse) UnmarshalWire(data []byte) error {
	msg, err := decode(listVersionsResponseDesc, data)
	if err != nil {
		return err
	}
	*m = ListVersionsResponse{}
	eachElem(msg, "versions", func(elem protoreflect.Message) {
		var v FileMetadata
		v.read(elem)
		m.Versions = append(m.Versions, v)
	})
	return nil
}

func (m *ListFilesRequest) MarshalWire() ([]byte, error) {
	return encode(dynamicpb.NewMessage(listFilesRequestDesc))
}

func (m *ListFilesRequest) UnmarshalWire(data []byte) error {
	_, err := decode(listFilesRequestDesc, data)
	return err
}

func (m *FileSummary) fill(msg protoreflect.Message) {
	setString(msg, "file_name", m.FileName)
	setInt(msg, "latest_version", m.LatestVersion)
	setString(msg, "file_id", m.FileID)
	setInt(msg, "size", m.Size)
	setTime(msg, "upload_time", m.UploadTime)
	setInt(msg, "chunk_count", m.ChunkCount)
}

func (m *FileSummary) read(msg protoreflect.Message) {
	*m = FileSummary{
		FileName:      getString(msg, "file_name"),
		LatestVersion: getInt(msg, "latest_version"),
		FileID:        getString(msg, "file_id"),
		Size:          getInt(msg, "size"),
		UploadTime:    getTime(msg, "upload_time"),
		ChunkCount:    getInt(msg, "chunk_count"),
	}
}

func (m *FileSummary) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(fileSummaryDesc)
	m.fill(msg)
	return encode(msg)
}

func (m *FileSummary) UnmarshalWire(data []byte) error {
	msg, err := decode(fileSummaryDesc, data)
	if err != nil {
		return err
	}
	m.read(msg)
	return nil
}

func (m *ListFilesResponse) MarshalWire() ([]byte, error) {
	msg := dynamicpb.NewMessage(listFilesResponseDesc)
	appendElems(msg, "files", len(m.Files), func(i int, elem protoreflect.Message) {
		m.Files[i].fill(elem)
	})
	return encode(msg)
}

func (m *ListFilesResponse) UnmarshalWire(data []byte) error {
	msg, err := decode(listFilesResponseDesc, data)
	if err != nil {
		return err
	}
	*m = ListFilesResponse{}
	eachElem(msg, "files", func(elem protoreflect.Message) {
		var f FileSummary
		f.read(elem)
		m.Files = append(m.Files, f)
	})
	return nil
}
