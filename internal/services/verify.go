package services

import (
	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
)

// VerifyRequest is everything a player needs to recompute a disclosed
// outcome.
type VerifyRequest struct {
	GameType         models.GameType `json:"game_type" binding:"required"`
	ServerSeed       string          `json:"server_seed" binding:"required"`
	CommitmentDigest string          `json:"server_seed_hash"`
	PublicSeed       string          `json:"public_seed"`
	Nonce            int64           `json:"nonce"`
	MinesCount       int             `json:"mines_count,omitempty"`
}

type VerifyResult struct {
	GameType        models.GameType `json:"game_type"`
	CommitmentValid *bool           `json:"commitment_valid,omitempty"`
	ComputedDigest  string          `json:"computed_hash"`
	CrashPoint      float64         `json:"crash_point,omitempty"`
	MinePositions   []int           `json:"mine_positions,omitempty"`
	Algorithm       string          `json:"algorithm"`
}

// VerifyOutcome recomputes a crash point or mine layout from revealed
// inputs, using the server's configured edge and grid.
func VerifyOutcome(crash config.CrashConfig, mines config.MinesConfig, req *VerifyRequest) (*VerifyResult, error) {
	res := &VerifyResult{
		GameType:       req.GameType,
		ComputedDigest: HashServerSeed(req.ServerSeed),
	}
	if req.CommitmentDigest != "" {
		ok := VerifyCommitment(req.ServerSeed, req.CommitmentDigest)
		res.CommitmentValid = &ok
	}

	switch req.GameType {
	case models.GameTypeCrash:
		res.CrashPoint = DeriveCrashPoint(req.ServerSeed, req.PublicSeed, req.Nonce, crash.HouseEdge)
		res.Algorithm = CrashAlgorithm
	case models.GameTypeMines:
		if req.MinesCount < mines.MinMines || req.MinesCount > mines.MaxMines {
			return nil, validationErr("mines count must be between %d and %d", mines.MinMines, mines.MaxMines)
		}
		res.MinePositions = DeriveMinePositions(req.ServerSeed, req.PublicSeed, req.Nonce, req.MinesCount, mines.GridSize)
		res.Algorithm = MinesAlgorithm
	default:
		return nil, validationErr("unknown game type %q", req.GameType)
	}
	return res, nil
}
