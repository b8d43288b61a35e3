package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"vortex/api/internal/era"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func affectedOne(result sql.Result, op string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) EnsureChambers(ctx context.Context, chambers []Chamber) error {
	for _, chamber := range chambers {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO chambers (id, title, multiplier_times10)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, chamber.ID, chamber.Title, chamber.MultiplierTimes10); err != nil {
			return fmt.Errorf("ensure chamber %s: %w", chamber.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetChamber(ctx context.Context, id string) (Chamber, error) {
	var chamber Chamber
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, multiplier_times10, created_at FROM chambers WHERE id=$1
	`, id).Scan(&chamber.ID, &chamber.Title, &chamber.MultiplierTimes10, &chamber.CreatedAt)
	if err != nil {
		return Chamber{}, err
	}
	return chamber, nil
}

func (s *PostgresStore) ListChambers(ctx context.Context) ([]Chamber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, multiplier_times10, created_at FROM chambers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chambers: %w", err)
	}
	defer rows.Close()

	var chambers []Chamber
	for rows.Next() {
		var chamber Chamber
		if err := rows.Scan(&chamber.ID, &chamber.Title, &chamber.MultiplierTimes10, &chamber.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chamber: %w", err)
		}
		chambers = append(chambers, chamber)
	}
	return chambers, rows.Err()
}

const proposalColumns = `id, stage, author_address, chamber_id, title, summary, payload, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var proposal Proposal
	var payload []byte
	if err := row.Scan(
		&proposal.ID,
		&proposal.Stage,
		&proposal.AuthorAddress,
		&proposal.ChamberID,
		&proposal.Title,
		&proposal.Summary,
		&payload,
		&proposal.CreatedAt,
		&proposal.UpdatedAt,
	); err != nil {
		return Proposal{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &proposal.Payload); err != nil {
			return Proposal{}, fmt.Errorf("decode proposal payload: %w", err)
		}
	}
	return proposal, nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	payload, err := json.Marshal(proposal.Payload)
	if err != nil {
		return fmt.Errorf("encode proposal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, stage, author_address, chamber_id, title, summary, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, proposal.ID, proposal.Stage, proposal.AuthorAddress, proposal.ChamberID, proposal.Title, proposal.Summary, payload)
	if isUniqueViolation(err) {
		return errDuplicate("proposal", proposal.ID)
	}
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, id)
	return scanProposal(row)
}

func (s *PostgresStore) ListProposals(ctx context.Context, stage string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE $1 = '' OR stage = $1
		ORDER BY updated_at DESC, id
	`, stage)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

func (s *PostgresStore) TransitionProposalStage(ctx context.Context, id, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET stage=$3, updated_at=NOW()
		WHERE id=$1 AND stage=$2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition proposal stage: %w", err)
	}
	return affectedOne(result, "transition proposal stage")
}

func (s *PostgresStore) HasPoolVote(ctx context.Context, proposalID, voter string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pool_votes WHERE proposal_id=$1 AND voter_address=$2)
	`, proposalID, voter).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pool vote: %w", err)
	}
	return exists, nil
}

// UpsertPoolVote reports created=true only for the voter's first row.
// xmax is zero for freshly inserted tuples and non-zero after ON CONFLICT UPDATE.
func (s *PostgresStore) UpsertPoolVote(ctx context.Context, proposalID, voter string, direction int) (bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pool_votes (proposal_id, voter_address, direction)
		VALUES ($1, $2, $3)
		ON CONFLICT (proposal_id, voter_address)
		DO UPDATE SET direction=EXCLUDED.direction, updated_at=NOW()
		RETURNING (xmax = 0)
	`, proposalID, voter, direction).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert pool vote: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) PoolVoteCounts(ctx context.Context, proposalID string) (PoolCounts, error) {
	var counts PoolCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction > 0),
			COUNT(*) FILTER (WHERE direction < 0)
		FROM pool_votes
		WHERE proposal_id=$1
	`, proposalID).Scan(&counts.Upvotes, &counts.Downvotes)
	if err != nil {
		return PoolCounts{}, fmt.Errorf("count pool votes: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) HasChamberVote(ctx context.Context, proposalID, voter string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chamber_votes WHERE proposal_id=$1 AND voter_address=$2)
	`, proposalID, voter).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chamber vote: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertChamberVote(ctx context.Context, vote ChamberVote) (bool, error) {
	if vote.Score != nil && vote.Choice != ChoiceYes {
		return false, ErrScoreWithoutYes
	}
	var score sql.NullInt64
	if vote.Score != nil {
		score = sql.NullInt64{Int64: int64(*vote.Score), Valid: true}
	}
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chamber_votes (proposal_id, voter_address, choice, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, voter_address)
		DO UPDATE SET choice=EXCLUDED.choice, score=EXCLUDED.score, updated_at=NOW()
		RETURNING (xmax = 0)
	`, vote.ProposalID, vote.VoterAddress, vote.Choice, score).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert chamber vote: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ChamberVoteCounts(ctx context.Context, proposalID string) (ChamberCounts, error) {
	var counts ChamberCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE choice='yes'),
			COUNT(*) FILTER (WHERE choice='no'),
			COUNT(*) FILTER (WHERE choice='abstain'),
			COALESCE(SUM(score) FILTER (WHERE choice='yes' AND score IS NOT NULL), 0),
			COUNT(score) FILTER (WHERE choice='yes')
		FROM chamber_votes
		WHERE proposal_id=$1
	`, proposalID).Scan(&counts.Yes, &counts.No, &counts.Abstain, &counts.ScoreSum, &counts.ScoreCount)
	if err != nil {
		return ChamberCounts{}, fmt.Errorf("count chamber votes: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) GetClock(ctx context.Context) (ClockState, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO clock_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return ClockState{}, fmt.Errorf("ensure clock: %w", err)
	}
	var clock ClockState
	err := s.db.QueryRowContext(ctx, `SELECT current_era, updated_at FROM clock_state WHERE id=1`).Scan(&clock.CurrentEra, &clock.UpdatedAt)
	if err != nil {
		return ClockState{}, fmt.Errorf("load clock: %w", err)
	}
	return clock, nil
}

func (s *PostgresStore) AdvanceEra(ctx context.Context, from int, at time.Time) (ClockState, bool, error) {
	var clock ClockState
	err := s.db.QueryRowContext(ctx, `
		UPDATE clock_state
		SET current_era=current_era + 1, updated_at=$2
		WHERE id=1 AND current_era=$1
		RETURNING current_era, updated_at
	`, from, at.UTC()).Scan(&clock.CurrentEra, &clock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		current, loadErr := s.GetClock(ctx)
		return current, false, loadErr
	}
	if err != nil {
		return ClockState{}, false, fmt.Errorf("advance era: %w", err)
	}
	return clock, true, nil
}

func (s *PostgresStore) EnsureEraSnapshot(ctx context.Context, eraNumber, activeGovernors int) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO era_snapshots (era, active_governors)
		VALUES ($1, $2)
		ON CONFLICT (era) DO NOTHING
	`, eraNumber, activeGovernors); err != nil {
		return fmt.Errorf("ensure era snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetEraSnapshot(ctx context.Context, eraNumber, activeGovernors int) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO era_snapshots (era, active_governors)
		VALUES ($1, $2)
		ON CONFLICT (era) DO UPDATE SET active_governors=EXCLUDED.active_governors, updated_at=NOW()
	`, eraNumber, activeGovernors); err != nil {
		return fmt.Errorf("set era snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEraSnapshot(ctx context.Context, eraNumber int) (*EraSnapshot, error) {
	var snapshot EraSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT era, active_governors, updated_at FROM era_snapshots WHERE era=$1
	`, eraNumber).Scan(&snapshot.Era, &snapshot.ActiveGovernors, &snapshot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get era snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *PostgresStore) GetEraActivity(ctx context.Context, eraNumber int, address string) (era.Counters, error) {
	var counters era.Counters
	err := s.db.QueryRowContext(ctx, `
		SELECT pool_votes, chamber_votes, court_actions, formation_actions
		FROM era_user_activity
		WHERE era=$1 AND address=$2
	`, eraNumber, address).Scan(&counters.PoolVotes, &counters.ChamberVotes, &counters.CourtActions, &counters.FormationActions)
	if errors.Is(err, sql.ErrNoRows) {
		return era.Counters{}, nil
	}
	if err != nil {
		return era.Counters{}, fmt.Errorf("get era activity: %w", err)
	}
	return counters, nil
}

func (s *PostgresStore) IncrementEraActivity(ctx context.Context, eraNumber int, address string, delta era.Counters) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO era_user_activity (era, address, pool_votes, chamber_votes, court_actions, formation_actions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (era, address) DO UPDATE SET
			pool_votes=era_user_activity.pool_votes + EXCLUDED.pool_votes,
			chamber_votes=era_user_activity.chamber_votes + EXCLUDED.chamber_votes,
			court_actions=era_user_activity.court_actions + EXCLUDED.court_actions,
			formation_actions=era_user_activity.formation_actions + EXCLUDED.formation_actions,
			updated_at=NOW()
	`, eraNumber, address,
		max(delta.PoolVotes, 0),
		max(delta.ChamberVotes, 0),
		max(delta.CourtActions, 0),
		max(delta.FormationActions, 0),
	); err != nil {
		return fmt.Errorf("increment era activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEraActivity(ctx context.Context, eraNumber int) ([]era.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, pool_votes, chamber_votes, court_actions, formation_actions
		FROM era_user_activity
		WHERE era=$1
		ORDER BY address
	`, eraNumber)
	if err != nil {
		return nil, fmt.Errorf("list era activity: %w", err)
	}
	defer rows.Close()

	var entries []era.Activity
	for rows.Next() {
		var entry era.Activity
		if err := rows.Scan(&entry.Address, &entry.PoolVotes, &entry.ChamberVotes, &entry.CourtActions, &entry.FormationActions); err != nil {
			return nil, fmt.Errorf("scan era activity: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetEraRollup(ctx context.Context, eraNumber int) (*era.Rollup, error) {
	var rollup era.Rollup
	err := s.db.QueryRowContext(ctx, `
		SELECT era, required_pool_votes, required_chamber_votes, required_court_actions,
			required_formation_actions, required_total, active_governors_next_era, rolled_at
		FROM era_rollups
		WHERE era=$1
	`, eraNumber).Scan(
		&rollup.Era,
		&rollup.Requirements.PoolVotes,
		&rollup.Requirements.ChamberVotes,
		&rollup.Requirements.CourtActions,
		&rollup.Requirements.FormationActions,
		&rollup.RequiredTotal,
		&rollup.ActiveGovernorsNextEra,
		&rollup.RolledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get era rollup: %w", err)
	}
	return &rollup, nil
}

func (s *PostgresStore) InsertEraRollup(ctx context.Context, rollup era.Rollup, statuses []era.UserStatus) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO era_rollups (
				era, required_pool_votes, required_chamber_votes, required_court_actions,
				required_formation_actions, required_total, active_governors_next_era, rolled_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (era) DO NOTHING
		`,
			rollup.Era,
			rollup.Requirements.PoolVotes,
			rollup.Requirements.ChamberVotes,
			rollup.Requirements.CourtActions,
			rollup.Requirements.FormationActions,
			rollup.RequiredTotal,
			rollup.ActiveGovernorsNextEra,
			rollup.RolledAt,
		)
		if err != nil {
			return fmt.Errorf("insert era rollup: %w", err)
		}
		inserted, err = affectedOne(result, "insert era rollup")
		if err != nil || !inserted {
			return err
		}
		for _, status := range statuses {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO era_user_status (era, address, status, completed_total, is_active_next_era)
				VALUES ($1, $2, $3, $4, $5)
			`, rollup.Era, status.Address, string(status.Status), status.CompletedTotal, status.IsActiveNextEra); err != nil {
				return fmt.Errorf("insert era user status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *PostgresStore) ListEraUserStatuses(ctx context.Context, eraNumber int) ([]era.UserStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, status, completed_total, is_active_next_era
		FROM era_user_status
		WHERE era=$1
		ORDER BY address
	`, eraNumber)
	if err != nil {
		return nil, fmt.Errorf("list era user status: %w", err)
	}
	defer rows.Close()

	var statuses []era.UserStatus
	for rows.Next() {
		var status era.UserStatus
		var label string
		if err := rows.Scan(&status.Address, &label, &status.CompletedTotal, &status.IsActiveNextEra); err != nil {
			return nil, fmt.Errorf("scan era user status: %w", err)
		}
		status.Status = era.Status(label)
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func (s *PostgresStore) GetEraUserStatus(ctx context.Context, eraNumber int, address string) (*era.UserStatus, error) {
	var status era.UserStatus
	var label string
	err := s.db.QueryRowContext(ctx, `
		SELECT address, status, completed_total, is_active_next_era
		FROM era_user_status
		WHERE era=$1 AND address=$2
	`, eraNumber, address).Scan(&status.Address, &label, &status.CompletedTotal, &status.IsActiveNextEra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get era user status: %w", err)
	}
	status.Status = era.Status(label)
	return &status, nil
}

func (s *PostgresStore) InsertCmAward(ctx context.Context, award CmAward) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cm_awards (
			proposal_id, proposer_address, chamber_id, avg_score,
			lcm_points, chamber_multiplier_times10, mcm_points
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (proposal_id) DO NOTHING
	`, award.ProposalID, award.ProposerAddress, award.ChamberID, award.AvgScore,
		award.LCMPoints, award.ChamberMultiplierTimes10, award.MCMPoints)
	if err != nil {
		return false, fmt.Errorf("insert cm award: %w", err)
	}
	return affectedOne(result, "insert cm award")
}

func (s *PostgresStore) GetCmAward(ctx context.Context, proposalID string) (*CmAward, error) {
	var award CmAward
	err := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, proposer_address, chamber_id, avg_score,
			lcm_points, chamber_multiplier_times10, mcm_points, awarded_at
		FROM cm_awards
		WHERE proposal_id=$1
	`, proposalID).Scan(
		&award.ProposalID,
		&award.ProposerAddress,
		&award.ChamberID,
		&award.AvgScore,
		&award.LCMPoints,
		&award.ChamberMultiplierTimes10,
		&award.MCMPoints,
		&award.AwardedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cm award: %w", err)
	}
	return &award, nil
}

func (s *PostgresStore) SumACM(ctx context.Context, proposer string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(mcm_points), 0) FROM cm_awards WHERE proposer_address=$1
	`, proposer).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum acm: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) CmTotalsByChamber(ctx context.Context, proposer string) ([]CmChamberTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chamber_id, COUNT(*), COALESCE(SUM(lcm_points), 0), COALESCE(SUM(mcm_points), 0)
		FROM cm_awards
		WHERE $1 = '' OR proposer_address = $1
		GROUP BY chamber_id
		ORDER BY chamber_id
	`, proposer)
	if err != nil {
		return nil, fmt.Errorf("cm totals by chamber: %w", err)
	}
	defer rows.Close()

	var totals []CmChamberTotals
	for rows.Next() {
		var entry CmChamberTotals
		if err := rows.Scan(&entry.ChamberID, &entry.Awards, &entry.LCM, &entry.MCM); err != nil {
			return nil, fmt.Errorf("scan cm totals: %w", err)
		}
		totals = append(totals, entry)
	}
	return totals, rows.Err()
}

func (s *PostgresStore) SeedFormationProject(ctx context.Context, project FormationProject) (bool, error) {
	seeded := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO formation_projects (proposal_id, team_slots_total, milestones_total)
			VALUES ($1, $2, $3)
			ON CONFLICT (proposal_id) DO NOTHING
		`, project.ProposalID, project.TeamSlotsTotal, project.MilestonesTotal)
		if err != nil {
			return fmt.Errorf("insert formation project: %w", err)
		}
		seeded, err = affectedOne(result, "insert formation project")
		if err != nil || !seeded {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO formation_milestones (proposal_id, milestone_index)
			SELECT $1, generate_series(1, $2::int)
		`, project.ProposalID, project.MilestonesTotal); err != nil {
			return fmt.Errorf("seed formation milestones: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}

func (s *PostgresStore) GetFormationProject(ctx context.Context, proposalID string) (FormationProject, error) {
	var project FormationProject
	err := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, team_slots_total, team_filled, milestones_total, milestones_completed, created_at, updated_at
		FROM formation_projects
		WHERE proposal_id=$1
	`, proposalID).Scan(
		&project.ProposalID,
		&project.TeamSlotsTotal,
		&project.TeamFilled,
		&project.MilestonesTotal,
		&project.MilestonesCompleted,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err != nil {
		return FormationProject{}, err
	}
	return project, nil
}

func (s *PostgresStore) IsFormationMember(ctx context.Context, proposalID, address string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM formation_team WHERE proposal_id=$1 AND member_address=$2)
	`, proposalID, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check formation member: %w", err)
	}
	return exists, nil
}

// JoinFormationProject locks the project row so capacity is checked and
// consumed by one writer at a time.
func (s *PostgresStore) JoinFormationProject(ctx context.Context, member FormationMember) (bool, error) {
	joined := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var filled, total int
		err := tx.QueryRowContext(ctx, `
			SELECT team_filled, team_slots_total
			FROM formation_projects
			WHERE proposal_id=$1
			FOR UPDATE
		`, member.ProposalID).Scan(&filled, &total)
		if err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM formation_team WHERE proposal_id=$1 AND member_address=$2)
		`, member.ProposalID, member.MemberAddress).Scan(&exists); err != nil {
			return fmt.Errorf("check formation member: %w", err)
		}
		if exists {
			return nil
		}
		if filled >= total {
			return ErrTeamFull
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO formation_team (proposal_id, member_address, role)
			VALUES ($1, $2, $3)
		`, member.ProposalID, member.MemberAddress, member.Role); err != nil {
			return fmt.Errorf("insert formation member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE formation_projects
			SET team_filled=team_filled + 1, updated_at=NOW()
			WHERE proposal_id=$1
		`, member.ProposalID); err != nil {
			return fmt.Errorf("update team filled: %w", err)
		}
		joined = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return joined, nil
}

func (s *PostgresStore) ListFormationMembers(ctx context.Context, proposalID string) ([]FormationMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, member_address, role, joined_at
		FROM formation_team
		WHERE proposal_id=$1
		ORDER BY joined_at, member_address
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list formation members: %w", err)
	}
	defer rows.Close()

	var members []FormationMember
	for rows.Next() {
		var member FormationMember
		if err := rows.Scan(&member.ProposalID, &member.MemberAddress, &member.Role, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan formation member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

const milestoneColumns = `proposal_id, milestone_index, status, note, COALESCE(submitted_by, ''), submitted_at, unlocked_at`

func scanMilestone(row rowScanner) (FormationMilestone, error) {
	var milestone FormationMilestone
	var submittedAt, unlockedAt sql.NullTime
	if err := row.Scan(
		&milestone.ProposalID,
		&milestone.Index,
		&milestone.Status,
		&milestone.Note,
		&milestone.SubmittedBy,
		&submittedAt,
		&unlockedAt,
	); err != nil {
		return FormationMilestone{}, err
	}
	if submittedAt.Valid {
		milestone.SubmittedAt = &submittedAt.Time
	}
	if unlockedAt.Valid {
		milestone.UnlockedAt = &unlockedAt.Time
	}
	return milestone, nil
}

func (s *PostgresStore) GetFormationMilestone(ctx context.Context, proposalID string, index int) (FormationMilestone, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM formation_milestones
		WHERE proposal_id=$1 AND milestone_index=$2
	`, proposalID, index)
	return scanMilestone(row)
}

func (s *PostgresStore) ListFormationMilestones(ctx context.Context, proposalID string) ([]FormationMilestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM formation_milestones
		WHERE proposal_id=$1
		ORDER BY milestone_index
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list formation milestones: %w", err)
	}
	defer rows.Close()

	var milestones []FormationMilestone
	for rows.Next() {
		milestone, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan formation milestone: %w", err)
		}
		milestones = append(milestones, milestone)
	}
	return milestones, rows.Err()
}

func (s *PostgresStore) SubmitFormationMilestone(ctx context.Context, proposalID string, index int, submittedBy, note string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE formation_milestones
		SET status='submitted', submitted_by=$3, note=$4, submitted_at=NOW()
		WHERE proposal_id=$1 AND milestone_index=$2 AND status='pending'
	`, proposalID, index, submittedBy, note)
	if err != nil {
		return false, fmt.Errorf("submit formation milestone: %w", err)
	}
	return affectedOne(result, "submit formation milestone")
}

func (s *PostgresStore) UnlockFormationMilestone(ctx context.Context, proposalID string, index int) (bool, error) {
	unlocked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE formation_milestones
			SET status='unlocked', unlocked_at=NOW()
			WHERE proposal_id=$1 AND milestone_index=$2 AND status='submitted'
		`, proposalID, index)
		if err != nil {
			return fmt.Errorf("unlock formation milestone: %w", err)
		}
		unlocked, err = affectedOne(result, "unlock formation milestone")
		if err != nil || !unlocked {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE formation_projects
			SET milestones_completed=LEAST(milestones_completed + 1, milestones_total), updated_at=NOW()
			WHERE proposal_id=$1
		`, proposalID); err != nil {
			return fmt.Errorf("update milestones completed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return unlocked, nil
}

func (s *PostgresStore) CreateCourtCase(ctx context.Context, courtCase CourtCase) error {
	status := courtCase.Status
	if status == "" {
		status = CaseOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO court_cases (id, title, subject_address, status, base_reports)
		VALUES ($1, $2, $3, $4, $5)
	`, courtCase.ID, courtCase.Title, courtCase.SubjectAddress, status, courtCase.BaseReports)
	if isUniqueViolation(err) {
		return errDuplicate("court case", courtCase.ID)
	}
	if err != nil {
		return fmt.Errorf("insert court case: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCourtCase(ctx context.Context, id string) (CourtCase, error) {
	var courtCase CourtCase
	var decision sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, subject_address, status, base_reports, decision, created_at, updated_at
		FROM court_cases
		WHERE id=$1
	`, id).Scan(
		&courtCase.ID,
		&courtCase.Title,
		&courtCase.SubjectAddress,
		&courtCase.Status,
		&courtCase.BaseReports,
		&decision,
		&courtCase.CreatedAt,
		&courtCase.UpdatedAt,
	)
	if err != nil {
		return CourtCase{}, err
	}
	courtCase.Decision = decision.String
	return courtCase, nil
}

func (s *PostgresStore) HasCourtReport(ctx context.Context, caseID, reporter string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM court_reports WHERE case_id=$1 AND reporter_address=$2)
	`, caseID, reporter).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check court report: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertCourtReport(ctx context.Context, caseID, reporter string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO court_reports (case_id, reporter_address)
		VALUES ($1, $2)
		ON CONFLICT (case_id, reporter_address) DO NOTHING
	`, caseID, reporter)
	if err != nil {
		return false, fmt.Errorf("insert court report: %w", err)
	}
	return affectedOne(result, "insert court report")
}

func (s *PostgresStore) CountCourtReports(ctx context.Context, caseID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM court_reports WHERE case_id=$1`, caseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count court reports: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) TransitionCourtCase(ctx context.Context, id, from, to, decision string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE court_cases
		SET status=$3, decision=COALESCE(NULLIF($4, ''), decision), updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, id, from, to, decision)
	if err != nil {
		return false, fmt.Errorf("transition court case: %w", err)
	}
	return affectedOne(result, "transition court case")
}

func (s *PostgresStore) HasCourtVerdict(ctx context.Context, caseID, voter string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM court_verdicts WHERE case_id=$1 AND voter_address=$2)
	`, caseID, voter).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check court verdict: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertCourtVerdict(ctx context.Context, caseID, voter, verdict string) (bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO court_verdicts (case_id, voter_address, verdict)
		VALUES ($1, $2, $3)
		ON CONFLICT (case_id, voter_address)
		DO UPDATE SET verdict=EXCLUDED.verdict, updated_at=NOW()
		RETURNING (xmax = 0)
	`, caseID, voter, verdict).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert court verdict: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) CourtVerdictTally(ctx context.Context, caseID string) (VerdictTally, error) {
	var tally VerdictTally
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE verdict='guilty'),
			COUNT(*) FILTER (WHERE verdict='not_guilty')
		FROM court_verdicts
		WHERE case_id=$1
	`, caseID).Scan(&tally.Guilty, &tally.NotGuilty)
	if err != nil {
		return VerdictTally{}, fmt.Errorf("tally court verdicts: %w", err)
	}
	return tally, nil
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key, address, command_type, fingerprint, response, created_at
		FROM idempotency_keys
		WHERE key=$1
	`, key).Scan(&record.Key, &record.Address, &record.CommandType, &record.Fingerprint, &record.Response, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) SaveIdempotency(ctx context.Context, record IdempotencyRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, address, command_type, fingerprint, response)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, record.Key, record.Address, record.CommandType, record.Fingerprint, record.Response); err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEligibility(ctx context.Context, address string) (*EligibilityRecord, error) {
	var record EligibilityRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT address, eligible, reason, checked_at, expires_at
		FROM eligibility_cache
		WHERE address=$1
	`, address).Scan(&record.Address, &record.Eligible, &record.Reason, &record.CheckedAt, &record.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get eligibility: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) SaveEligibility(ctx context.Context, record EligibilityRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO eligibility_cache (address, eligible, reason, checked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			eligible=EXCLUDED.eligible,
			reason=EXCLUDED.reason,
			checked_at=EXCLUDED.checked_at,
			expires_at=EXCLUDED.expires_at
	`, record.Address, record.Eligible, record.Reason, record.CheckedAt, record.ExpiresAt); err != nil {
		return fmt.Errorf("save eligibility: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAdminState(ctx context.Context) (AdminState, error) {
	var state AdminState
	err := s.db.QueryRowContext(ctx, `SELECT writes_frozen, updated_at FROM admin_state WHERE id=1`).Scan(&state.WritesFrozen, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminState{}, nil
	}
	if err != nil {
		return AdminState{}, fmt.Errorf("get admin state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) SetWritesFrozen(ctx context.Context, frozen bool) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_state (id, writes_frozen)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET writes_frozen=EXCLUDED.writes_frozen, updated_at=NOW()
	`, frozen); err != nil {
		return fmt.Errorf("set writes frozen: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActionLock(ctx context.Context, address string) (*ActionLock, error) {
	var lock ActionLock
	err := s.db.QueryRowContext(ctx, `
		SELECT address, locked_until, reason, created_at FROM action_locks WHERE address=$1
	`, address).Scan(&lock.Address, &lock.LockedUntil, &lock.Reason, &lock.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) SetActionLock(ctx context.Context, lock ActionLock) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO action_locks (address, locked_until, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET locked_until=EXCLUDED.locked_until, reason=EXCLUDED.reason, created_at=NOW()
	`, lock.Address, lock.LockedUntil, lock.Reason); err != nil {
		return fmt.Errorf("set action lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearActionLock(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM action_locks WHERE address=$1`, address); err != nil {
		return fmt.Errorf("clear action lock: %w", err)
	}
	return nil
}
