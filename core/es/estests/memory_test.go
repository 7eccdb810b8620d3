package estests

import (
	"testing"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
)

func TestInMemoryStore(t *testing.T) {
	RunStorage(t, func(t *testing.T) Backend { return es.NewInMemoryStore() })
}
