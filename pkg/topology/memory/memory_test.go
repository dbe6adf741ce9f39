package memory

import (
	"testing"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

func TestMemoryStore(t *testing.T) {
	suite := &topology.StoreTestSuite{
		NewStore: func(t *testing.T) topology.Store {
			return New()
		},
	}
	suite.RunAllTests(t)
}
