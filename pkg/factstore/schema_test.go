package factstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	id := uuid.New().String()

	assert.Equal(t, "factcask:default:serial", SerialKey("default"))
	assert.Equal(t, "factcask:default:log", LogKey("default"))
	assert.Equal(t, "factcask:default:fact:"+id, FactKey("default", id))
	assert.Equal(t, "factcask:default:token:"+id, TokenKey("default", id))
	assert.Equal(t, "factcask:prod:snapshot:ProjectionSnapshotRepository:users:json:1",
		SnapshotKey("prod", "ProjectionSnapshotRepository:users:json:1"))
}
