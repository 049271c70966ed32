package engine

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// shuffle is a Fisher-Yates shuffle; tests may stub it.
var shuffle = rand.Shuffle

// ImpostorCount is the number of impostors for a room of n players.
func ImpostorCount(n int) int {
	switch {
	case n <= 3:
		return 1
	case n <= 6:
		return 2
	default:
		return n / 3
	}
}

// AssignRoles draws a uniform permutation of playerIDs and makes the first
// ImpostorCount(n) of them impostors. playerIDs is not modified.
func AssignRoles(playerIDs []string) (RoleMap, error) {
	if len(playerIDs) == 0 {
		return nil, fmt.Errorf("%w: no players", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty player id", ErrInvalidInput)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate player id %q", ErrInvalidInput, id)
		}
		seen[id] = true
	}

	order := slices.Clone(playerIDs)
	shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	impostors := ImpostorCount(len(order))
	roles := make(RoleMap, len(order))
	for i, id := range order {
		if i < impostors {
			roles[id] = RoleImpostor
		} else {
			roles[id] = RoleVillager
		}
	}
	return roles, nil
}
