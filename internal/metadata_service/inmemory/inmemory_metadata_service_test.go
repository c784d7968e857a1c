package inmemory

import (
	"testing"

	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service/metadatatest"
	"go.uber.org/zap"
)

func TestInMemoryMetadataService(t *testing.T) {
	metadatatest.RunStoreSuite(t, func(t *testing.T) metadata_service.MetadataService {
		return NewInMemoryMetadataService(zaplog.Wrap(zap.NewNop(), "test"))
	})
}
