package engine

import "fmt"

type verdictKey struct {
	winner  Role
	genuine bool
}

type verdict struct {
	reason  string
	details string
}

var verdicts = map[verdictKey]verdict{
	{RoleVillager, true}: {
		reason:  "The genuine product was correctly approved!",
		details: "The inspectors saw through the doubts and shipped a genuine product.",
	},
	{RoleImpostor, true}: {
		reason:  "The genuine product was rejected...",
		details: "The impostors talked the team into stopping a genuine product.",
	},
	{RoleVillager, false}: {
		reason:  "The counterfeit was correctly rejected!",
		details: "The inspectors spotted the counterfeit and stopped the shipment.",
	},
	{RoleImpostor, false}: {
		reason:  "The counterfeit was approved...",
		details: "The impostors slipped a counterfeit past inspection.",
	},
}

// Evaluate decides a round. Villagers win when the majority decision matches the
// product's ground truth; a tie counts as rejection. Roles only feed the breakdown:
// a voter missing from roles is counted in the totals but in neither team.
func Evaluate(votes VoteMap, product *Product, roles RoleMap) (RoundResult, error) {
	if product == nil {
		return RoundResult{}, fmt.Errorf("%w: no product", ErrInvalidInput)
	}

	var b VoteBreakdown
	for id, v := range votes {
		approve := false
		switch v {
		case VoteApprove:
			b.Approve++
			approve = true
		case VoteReject:
			b.Reject++
		default:
			return RoundResult{}, fmt.Errorf("%w: vote %q from %s", ErrInvalidInput, v, id)
		}
		b.Total++

		switch roles[id] {
		case RoleVillager:
			b.VillagerTotal++
			if approve {
				b.VillagerApproves++
			}
		case RoleImpostor:
			b.ImpostorTotal++
			if approve {
				b.ImpostorApproves++
			}
		}
	}

	majorityApproved := b.Approve > b.Reject
	winner := RoleImpostor
	if majorityApproved == product.IsGenuine {
		winner = RoleVillager
	}
	msg := verdicts[verdictKey{winner, product.IsGenuine}]

	return RoundResult{
		Winner:           winner,
		Reason:           msg.reason,
		Details:          msg.details,
		MajorityApproved: majorityApproved,
		VoteBreakdown:    b,
		ProductInfo: ProductInfo{
			Name:        product.Name,
			IsGenuine:   product.IsGenuine,
			Description: product.Description,
		},
	}, nil
}
