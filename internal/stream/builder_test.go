package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

func msg(id string, sec int64, ordinal int64) models.Message {
	return models.Message{Identifier: id, Timestamp: time.Unix(sec, 0).UTC(), Ordinal: ordinal}
}

func TestBuild_GroupsAndOrders(t *testing.T) {
	input := []models.Message{
		msg("200", 30, 0),
		msg("100", 20, 1),
		msg("100", 10, 2),
		msg("200", 10, 3),
		msg("100", 20, 4),
	}

	streams := Build(input)
	assert.Equal(t, []string{"100", "200"}, streams.Identifiers())
	assert.Equal(t, 2, streams.Len())

	s := streams.Get("100")
	require.NotNil(t, s)
	ordered := s.Messages()
	require.Len(t, ordered, 3)
	assert.Equal(t, int64(2), ordered[0].Ordinal)
	// равное время - по порядку поступления, дубликаты не теряются
	assert.Equal(t, int64(1), ordered[1].Ordinal)
	assert.Equal(t, int64(4), ordered[2].Ordinal)

	// вход не переупорядочен
	assert.Equal(t, "200", input[0].Identifier)
	assert.Nil(t, streams.Get("300"))
}

func TestBuild_StableUnderInputPermutation(t *testing.T) {
	a := []models.Message{msg("1", 5, 0), msg("1", 5, 1), msg("1", 3, 2)}
	b := []models.Message{a[2], a[1], a[0]}

	ordA := Build(a).Get("1").Messages()
	ordB := Build(b).Get("1").Messages()
	assert.Equal(t, ordA, ordB)
}

func TestStreams_All(t *testing.T) {
	streams := Build([]models.Message{msg("b", 1, 0), msg("a", 1, 1), msg("c", 1, 2)})

	var seen []string
	for id, s := range streams.All() {
		seen = append(seen, id)
		assert.Equal(t, id, s.Identifier())
		assert.Equal(t, 1, s.Len())
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	// досрочный выход из цикла
	count := 0
	for range streams.All() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestBuild_Empty(t *testing.T) {
	streams := Build(nil)
	assert.Empty(t, streams.Identifiers())
	for range streams.All() {
		t.Fatal("unexpected stream")
	}
}
