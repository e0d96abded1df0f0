package blood_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bloodbank/blood"
)

func TestCompatible_UniversalDonorAndRecipient(t *testing.T) {
	// O- can supply every recipient
	for _, recipient := range blood.Groups {
		assert.True(t, blood.CanSupply(blood.ONeg, recipient), "O- should supply %s", recipient)
	}

	// AB+ can receive from every group
	assert.ElementsMatch(t, blood.Groups, blood.Compatible(blood.ABPos))
}

func TestCompatible_Table(t *testing.T) {
	tests := []struct {
		recipient blood.Group
		want      []blood.Group
	}{
		{blood.APos, []blood.Group{blood.APos, blood.ANeg, blood.OPos, blood.ONeg}},
		{blood.ANeg, []blood.Group{blood.ANeg, blood.ONeg}},
		{blood.BPos, []blood.Group{blood.BPos, blood.BNeg, blood.OPos, blood.ONeg}},
		{blood.BNeg, []blood.Group{blood.BNeg, blood.ONeg}},
		{blood.ABNeg, []blood.Group{blood.ANeg, blood.BNeg, blood.ABNeg, blood.ONeg}},
		{blood.OPos, []blood.Group{blood.OPos, blood.ONeg}},
		{blood.ONeg, []blood.Group{blood.ONeg}},
	}

	for _, tt := range tests {
		t.Run(tt.recipient.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, blood.Compatible(tt.recipient))
		})
	}
}

func TestCompatible_UnknownGroupIsEmpty(t *testing.T) {
	assert.Empty(t, blood.Compatible(blood.Group("C+")))
	assert.Empty(t, blood.Compatible(""))
	assert.False(t, blood.CanSupply(blood.ONeg, "XX"))
}

func TestCompatible_ReturnsCopy(t *testing.T) {
	got := blood.Compatible(blood.ONeg)
	got[0] = blood.ABPos

	assert.Equal(t, []blood.Group{blood.ONeg}, blood.Compatible(blood.ONeg))
}

func TestCompatible_NegativeNeverReceivesPositive(t *testing.T) {
	for _, recipient := range []blood.Group{blood.ANeg, blood.BNeg, blood.ABNeg, blood.ONeg} {
		for _, src := range blood.Compatible(recipient) {
			assert.NotContains(t, src.String(), "+", "%s must not receive %s", recipient, src)
		}
	}
}

func TestParse(t *testing.T) {
	g, err := blood.Parse(" ab- ")
	require.NoError(t, err)
	assert.Equal(t, blood.ABNeg, g)

	_, err = blood.Parse("Z+")
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "ab-neg", blood.ABNeg.Slug())
	assert.Equal(t, "o-pos", blood.OPos.Slug())
}
