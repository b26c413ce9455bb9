package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfferAnswer(t *testing.T) {
	var oa offerAnswer
	assert.Equal(t, phaseIdle, oa.phase())

	oa.record()
	assert.Equal(t, phaseOffered, oa.phase())
	assert.False(t, oa.hasAnswer)

	oa.record()
	assert.Equal(t, phaseAnswered, oa.phase())
}

func TestOfferAnswer_AnswerImpliesOffer(t *testing.T) {
	var oa offerAnswer
	oa.markAnswer()
	assert.True(t, oa.hasOffer)
	assert.Equal(t, phaseAnswered, oa.phase())
}
