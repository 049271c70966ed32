package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Winner(t *testing.T) {
	genuine := &Product{ID: "g", Name: "G", Properties: []string{"x"}, IsGenuine: true}
	fake := &Product{ID: "f", Name: "F", Properties: []string{"x"}, IsGenuine: false}
	roles := RoleMap{"A": RoleVillager, "B": RoleVillager, "C": RoleImpostor}

	cases := []struct {
		name       string
		votes      VoteMap
		product    *Product
		wantWinner Role
		wantReason string
		wantMajor  bool
	}{
		{
			name:       "majority approves genuine",
			votes:      VoteMap{"A": VoteApprove, "B": VoteApprove, "C": VoteReject},
			product:    genuine,
			wantWinner: RoleVillager,
			wantReason: "The genuine product was correctly approved!",
			wantMajor:  true,
		},
		{
			name:       "majority approves counterfeit",
			votes:      VoteMap{"A": VoteApprove, "B": VoteApprove, "C": VoteReject},
			product:    fake,
			wantWinner: RoleImpostor,
			wantReason: "The counterfeit was approved...",
			wantMajor:  true,
		},
		{
			name:       "majority rejects counterfeit",
			votes:      VoteMap{"A": VoteReject, "B": VoteReject, "C": VoteApprove},
			product:    fake,
			wantWinner: RoleVillager,
			wantReason: "The counterfeit was correctly rejected!",
		},
		{
			name:       "majority rejects genuine",
			votes:      VoteMap{"A": VoteReject, "B": VoteReject, "C": VoteApprove},
			product:    genuine,
			wantWinner: RoleImpostor,
			wantReason: "The genuine product was rejected...",
		},
		{
			name:       "tie resolves to rejection",
			votes:      VoteMap{"A": VoteApprove, "B": VoteReject},
			product:    genuine,
			wantWinner: RoleImpostor,
			wantReason: "The genuine product was rejected...",
		},
		{
			name:       "no votes resolves to rejection",
			votes:      VoteMap{},
			product:    fake,
			wantWinner: RoleVillager,
			wantReason: "The counterfeit was correctly rejected!",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Evaluate(tc.votes, tc.product, roles)
			require.NoError(t, err)
			assert.Equal(t, tc.wantWinner, res.Winner)
			assert.Equal(t, tc.wantReason, res.Reason)
			assert.NotEmpty(t, res.Details)
			assert.Equal(t, tc.wantMajor, res.MajorityApproved)
			assert.Equal(t, len(tc.votes), res.VoteBreakdown.Total)
			assert.Equal(t, res.VoteBreakdown.Total, res.VoteBreakdown.Approve+res.VoteBreakdown.Reject)
			assert.Equal(t, tc.product.IsGenuine, res.ProductInfo.IsGenuine)
			assert.Equal(t, tc.product.Name, res.ProductInfo.Name)
		})
	}
}

func TestEvaluate_Breakdown(t *testing.T) {
	product := &Product{ID: "g", Name: "G", Properties: []string{"x"}, IsGenuine: true}
	roles := RoleMap{"A": RoleVillager, "B": RoleVillager, "C": RoleImpostor, "D": RoleImpostor}
	votes := VoteMap{"A": VoteApprove, "B": VoteReject, "C": VoteApprove, "D": VoteApprove}

	res, err := Evaluate(votes, product, roles)
	require.NoError(t, err)
	assert.Equal(t, VoteBreakdown{
		Total: 4, Approve: 3, Reject: 1,
		VillagerApproves: 1, ImpostorApproves: 2,
		VillagerTotal: 2, ImpostorTotal: 2,
	}, res.VoteBreakdown)
}

func TestEvaluate_UnknownVoterCountsOnlyInTotals(t *testing.T) {
	product := &Product{ID: "g", Name: "G", Properties: []string{"x"}, IsGenuine: true}
	roles := RoleMap{"A": RoleVillager}
	votes := VoteMap{"A": VoteReject, "ghost": VoteApprove}

	res, err := Evaluate(votes, product, roles)
	require.NoError(t, err)
	assert.Equal(t, 2, res.VoteBreakdown.Total)
	assert.Equal(t, 1, res.VoteBreakdown.Approve)
	assert.Equal(t, 1, res.VoteBreakdown.VillagerTotal+res.VoteBreakdown.ImpostorTotal)
}

func TestEvaluate_InvalidInput(t *testing.T) {
	_, err := Evaluate(VoteMap{"A": VoteApprove}, nil, RoleMap{"A": RoleVillager})
	assert.ErrorIs(t, err, ErrInvalidInput)

	product := &Product{ID: "g", Name: "G", Properties: []string{"x"}, IsGenuine: true}
	_, err = Evaluate(VoteMap{"A": "abstain"}, product, RoleMap{"A": RoleVillager})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvaluate_Deterministic(t *testing.T) {
	product := &Product{ID: "g", Name: "G", Properties: []string{"x"}, IsGenuine: false}
	roles := RoleMap{"A": RoleVillager, "B": RoleImpostor, "C": RoleVillager}
	votes := VoteMap{"A": VoteReject, "B": VoteApprove, "C": VoteReject}

	first, err := Evaluate(votes, product, roles)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Evaluate(votes, product, roles)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
