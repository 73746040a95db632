// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// transitions is the phase table. A phase absent from the map is terminal.
var transitions = map[domain.Phase][]domain.Phase{
	domain.PhasePending: {
		domain.PhaseDeploying,
		domain.PhaseAborting,
	},
	domain.PhaseDeploying: {
		domain.PhaseCanaryRamping,
		domain.PhaseBlueGreenSwitching,
		domain.PhaseRolling,
		domain.PhaseRecreating,
		domain.PhaseAborting,
	},
	domain.PhaseCanaryRamping:      {domain.PhaseDeployed, domain.PhaseAborting},
	domain.PhaseBlueGreenSwitching: {domain.PhaseDeployed, domain.PhaseAborting},
	domain.PhaseRolling:            {domain.PhaseDeployed, domain.PhaseAborting},
	domain.PhaseRecreating:         {domain.PhaseDeployed, domain.PhaseAborting},
	domain.PhaseAborting:           {domain.PhaseRolledBack, domain.PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to domain.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// strategyPhase returns the in-progress phase a strategy runs in.
func strategyPhase(s domain.Strategy) domain.Phase {
	switch s {
	case domain.StrategyCanary:
		return domain.PhaseCanaryRamping
	case domain.StrategyBlueGreen:
		return domain.PhaseBlueGreenSwitching
	case domain.StrategyRolling:
		return domain.PhaseRolling
	default:
		return domain.PhaseRecreating
	}
}

// isAccepted reports whether a deployment has moved past DEPLOYING.
func isAccepted(p domain.Phase) bool {
	switch p {
	case domain.PhasePending, domain.PhaseDeploying:
		return false
	}
	return true
}
