package sync

import "fmt"

// Policy selects how a version conflict between the two stores is resolved.
type Policy string

const (
	// PolicyMerge reconciles field by field against the last acknowledged
	// base copy. Fields changed on only one side keep that side's value;
	// fields changed on both sides take the remote value.
	PolicyMerge Policy = "merge"

	// PolicyLocalWins keeps the local copy wholesale.
	PolicyLocalWins Policy = "local-wins"

	// PolicyRemoteWins keeps the remote copy wholesale.
	PolicyRemoteWins Policy = "remote-wins"
)

// ParsePolicy validates a policy name from config or the command line.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyMerge, PolicyLocalWins, PolicyRemoteWins:
		return Policy(name), nil
	case "":
		return PolicyMerge, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (want merge, local-wins or remote-wins)", name)
	}
}
