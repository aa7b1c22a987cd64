package services

import (
	"context"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
)

// StatsStore is the data the aggregations read.
type StatsStore interface {
	ListAssignmentsByAgentIDs(ctx context.Context, agentIDs []string) ([]models.Assignment, error)
	ListProgressByAgentIDs(ctx context.Context, agentIDs []string) ([]models.Progress, error)
	ListAgentMappingsByIDs(ctx context.Context, ids []string) ([]models.AgentMapping, error)
	ListUsersByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

type AgentAverageScore struct {
	AgentID       string  `json:"agent_id"`
	AverageScore  float64 `json:"average_score"`
	TotalStudents int     `json:"total_students"`
}

type AgentPassingRate struct {
	AgentID       string  `json:"agent_id"`
	PassingScore  float64 `json:"passing_score"`
	PassingRate   float64 `json:"passing_rate"`
	TotalStudents int     `json:"total_students"`
}

type AgentCompletionRate struct {
	AgentID        string  `json:"agent_id"`
	CompletionRate float64 `json:"completion_rate"`
	TotalStudents  int     `json:"total_students"`
}

// StudentProgressSummary rolls up one student's progress over the courses they are assigned.
type StudentProgressSummary struct {
	UserID           string              `json:"user_id"`
	Email            string              `json:"email,omitempty"`
	FullName         string              `json:"full_name,omitempty"`
	AssignedCourses  int                 `json:"assigned_courses"`
	CompletedCourses int                 `json:"completed_courses"`
	PassedCourses    int                 `json:"passed_courses"`
	CompletionRate   float64             `json:"completion_rate"`
	PassingRate      float64             `json:"passing_rate"`
	Scores           map[string]*float64 `json:"scores"`
}

// StatsService computes display statistics. Every method fails closed: a
// fetch error is logged and an empty result returned.
type StatsService struct {
	store StatsStore
	log   *logger.Logger
}

func NewStatsService(store StatsStore, log *logger.Logger) *StatsService {
	return &StatsService{store: store, log: log.With("component", "stats")}
}

func (s *StatsService) CalculateAverageScores(ctx context.Context, agentIDs []string) []AgentAverageScore {
	ids := uniqueIDs(agentIDs)
	if len(ids) == 0 {
		return []AgentAverageScore{}
	}
	assignments, progress, ok := s.fetchAssignmentsAndProgress(ctx, ids, "average scores")
	if !ok {
		return []AgentAverageScore{}
	}
	return computeAverageScores(ids, assignments, progress)
}

func (s *StatsService) CalculatePassingRates(ctx context.Context, agentIDs []string) []AgentPassingRate {
	ids := uniqueIDs(agentIDs)
	if len(ids) == 0 {
		return []AgentPassingRate{}
	}
	assignments, progress, ok := s.fetchAssignmentsAndProgress(ctx, ids, "passing rates")
	if !ok {
		return []AgentPassingRate{}
	}
	agents, err := s.store.ListAgentMappingsByIDs(ctx, ids)
	if err != nil {
		s.log.Error("Failed to fetch agents for passing rates", "error", err)
		return []AgentPassingRate{}
	}
	return computePassingRates(ids, agents, assignments, progress)
}

func (s *StatsService) CalculateCompletionRates(ctx context.Context, agentIDs []string) []AgentCompletionRate {
	ids := uniqueIDs(agentIDs)
	if len(ids) == 0 {
		return []AgentCompletionRate{}
	}
	assignments, progress, ok := s.fetchAssignmentsAndProgress(ctx, ids, "completion rates")
	if !ok {
		return []AgentCompletionRate{}
	}
	return computeCompletionRates(ids, assignments, progress)
}

func (s *StatsService) GetStudentsForAgents(ctx context.Context, agentIDs []string) []StudentProgressSummary {
	ids := uniqueIDs(agentIDs)
	if len(ids) == 0 {
		return []StudentProgressSummary{}
	}
	assignments, progress, ok := s.fetchAssignmentsAndProgress(ctx, ids, "student summaries")
	if !ok {
		return []StudentProgressSummary{}
	}
	agents, err := s.store.ListAgentMappingsByIDs(ctx, ids)
	if err != nil {
		s.log.Error("Failed to fetch agents for student summaries", "error", err)
		return []StudentProgressSummary{}
	}

	userIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		userIDs = append(userIDs, a.UserID)
	}
	users, err := s.store.ListUsersByIDs(ctx, uniqueIDs(userIDs))
	if err != nil {
		s.log.Error("Failed to fetch users for student summaries", "error", err)
		return []StudentProgressSummary{}
	}
	return computeStudentSummaries(ids, agents, assignments, progress, users)
}

func (s *StatsService) fetchAssignmentsAndProgress(ctx context.Context, ids []string, what string) ([]models.Assignment, []models.Progress, bool) {
	assignments, err := s.store.ListAssignmentsByAgentIDs(ctx, ids)
	if err != nil {
		s.log.Error("Failed to fetch assignments", "error", err, "for", what)
		return nil, nil, false
	}
	progress, err := s.store.ListProgressByAgentIDs(ctx, ids)
	if err != nil {
		s.log.Error("Failed to fetch progress", "error", err, "for", what)
		return nil, nil, false
	}
	return assignments, progress, true
}

// Pure helpers below. The denominator is always the assignment count, never
// the number of progress rows, and a missing score counts as 0.

func assignmentCounts(assignments []models.Assignment) map[string]int {
	counts := make(map[string]int)
	for _, a := range assignments {
		counts[a.AgentMappingID]++
	}
	return counts
}

func scoreOrZero(score *float64) float64 {
	if score == nil {
		return 0
	}
	return *score
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

func computeAverageScores(ids []string, assignments []models.Assignment, progress []models.Progress) []AgentAverageScore {
	counts := assignmentCounts(assignments)
	sums := make(map[string]float64)
	for _, p := range progress {
		sums[p.AgentID] += scoreOrZero(p.Score)
	}

	out := make([]AgentAverageScore, 0, len(ids))
	for _, id := range ids {
		row := AgentAverageScore{AgentID: id, TotalStudents: counts[id]}
		if row.TotalStudents > 0 {
			row.AverageScore = sums[id] / float64(row.TotalStudents)
		}
		out = append(out, row)
	}
	return out
}

// computePassingRates counts a progress row as passing when its score meets the
// agent's threshold, whether or not the lesson is complete.
func computePassingRates(ids []string, agents []models.AgentMapping, assignments []models.Assignment, progress []models.Progress) []AgentPassingRate {
	counts := assignmentCounts(assignments)
	thresholds := passingThresholds(agents)
	passing := make(map[string]int)
	for _, p := range progress {
		if scoreOrZero(p.Score) >= thresholds[p.AgentID] {
			passing[p.AgentID]++
		}
	}

	out := make([]AgentPassingRate, 0, len(ids))
	for _, id := range ids {
		out = append(out, AgentPassingRate{
			AgentID:       id,
			PassingScore:  thresholds[id],
			PassingRate:   percent(passing[id], counts[id]),
			TotalStudents: counts[id],
		})
	}
	return out
}

func computeCompletionRates(ids []string, assignments []models.Assignment, progress []models.Progress) []AgentCompletionRate {
	counts := assignmentCounts(assignments)
	complete := make(map[string]int)
	for _, p := range progress {
		if p.IsComplete {
			complete[p.AgentID]++
		}
	}

	out := make([]AgentCompletionRate, 0, len(ids))
	for _, id := range ids {
		out = append(out, AgentCompletionRate{
			AgentID:        id,
			CompletionRate: percent(complete[id], counts[id]),
			TotalStudents:  counts[id],
		})
	}
	return out
}

func passingThresholds(agents []models.AgentMapping) map[string]float64 {
	thresholds := make(map[string]float64, len(agents))
	for _, a := range agents {
		thresholds[a.ID] = scoreOrZero(a.PassingScore)
	}
	return thresholds
}

func computeStudentSummaries(ids []string, agents []models.AgentMapping, assignments []models.Assignment, progress []models.Progress, users []models.User) []StudentProgressSummary {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	thresholds := passingThresholds(agents)

	assigned := make(map[string]map[string]bool)
	var order []string
	for _, a := range assignments {
		if !wanted[a.AgentMappingID] {
			continue
		}
		set, ok := assigned[a.UserID]
		if !ok {
			set = make(map[string]bool)
			assigned[a.UserID] = set
			order = append(order, a.UserID)
		}
		set[a.AgentMappingID] = true
	}

	byUser := make(map[string]models.User, len(users))
	for _, u := range users {
		byUser[u.ID] = u
	}
	progressByUser := make(map[string][]models.Progress)
	for _, p := range progress {
		progressByUser[p.UserID] = append(progressByUser[p.UserID], p)
	}

	out := make([]StudentProgressSummary, 0, len(order))
	for _, userID := range order {
		courses := assigned[userID]
		summary := StudentProgressSummary{
			UserID:          userID,
			AssignedCourses: len(courses),
			Scores:          make(map[string]*float64),
		}
		if u, ok := byUser[userID]; ok {
			summary.Email = u.Email
			summary.FullName = u.FullName
		}
		for _, p := range progressByUser[userID] {
			if !courses[p.AgentID] {
				continue
			}
			summary.Scores[p.AgentID] = p.Score
			if p.IsComplete {
				summary.CompletedCourses++
			}
			if scoreOrZero(p.Score) >= thresholds[p.AgentID] {
				summary.PassedCourses++
			}
		}
		summary.CompletionRate = percent(summary.CompletedCourses, summary.AssignedCourses)
		summary.PassingRate = percent(summary.PassedCourses, summary.AssignedCourses)
		out = append(out, summary)
	}
	return out
}

// uniqueIDs drops blanks and duplicates, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
