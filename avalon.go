/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"unicode/utf8"
)

// Phase is the lifecycle stage of the authoritative game.
type Phase string

const (
	PhaseWaiting          Phase = "WAITING_FOR_PLAYERS"
	PhaseGameStart        Phase = "GAME_START"
	PhaseMissionSelection Phase = "MISSION_SELECTION"
	PhaseMissionVote      Phase = "MISSION_VOTE"
	PhaseGameEnd          Phase = "GAME_END"
	PhaseAssassination    Phase = "ASSASSINATION"
	PhaseGameOver         Phase = "GAME_OVER"
)

func (p Phase) known() bool {
	switch p {
	case PhaseWaiting, PhaseGameStart, PhaseMissionSelection, PhaseMissionVote, PhaseGameEnd, PhaseAssassination, PhaseGameOver:
		return true
	}
	return false
}

// revealsRoles reports whether every role is public in this phase.
func (p Phase) revealsRoles() bool {
	return p == PhaseGameEnd || p == PhaseAssassination || p == PhaseGameOver
}

type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type RoleAssignment struct {
	PlayerID  string    `json:"playerId"`
	Role      Role      `json:"role"`
	Alignment Alignment `json:"alignment"`
}

type Vote struct {
	PlayerID string `json:"playerId"`
	Vote     bool   `json:"vote"`
}

type MissionOutcome string

const (
	OutcomePending MissionOutcome = "pending"
	OutcomeSuccess MissionOutcome = "success"
	OutcomeFail    MissionOutcome = "fail"
)

type Mission struct {
	Number          int            `json:"mission"`
	RequiredSize    int            `json:"requiredSize"`
	SelectedMembers []string       `json:"selectedMembers"`
	Votes           []Vote         `json:"votes"`
	Result          MissionOutcome `json:"result"`
	Success         bool           `json:"success"`
}

// GameState is a read-only snapshot of the authoritative state.
type GameState struct {
	Phase                Phase            `json:"state"`
	Players              []Player         `json:"players"`
	Roles                []RoleAssignment `json:"roles,omitempty"`
	CurrentMissionNumber int              `json:"currentMission"`
	MissionSize          int              `json:"missionSize,omitempty"`
	SelectedMembers      []string         `json:"selectedMembers,omitempty"`
	VoteCount            int              `json:"voteCount"`
	MissionResults       []Mission        `json:"missionResults"`
	CurrentLeaderIndex   int              `json:"currentLeader"`
	Leader               string           `json:"leader,omitempty"`
	Winner               Alignment        `json:"winner,omitempty"`
	FinalWinner          Alignment        `json:"finalWinner,omitempty"`
}

// Outbox delivers engine output; unicasts are addressed by player id.
type Outbox interface {
	Broadcast(msg Message)
	SendTo(playerID string, msg Message)
}

// Engine is the host-authoritative rule state machine. All methods must be
// called from the session loop.
type Engine struct {
	cfg  *Config
	out  Outbox
	rng  *rand.Rand
	emit func(Event)

	phase         Phase
	players       []Player
	roles         []RoleAssignment
	missionNumber int
	mission       *Mission
	results       []Mission
	leader        int
	winner        Alignment
	finalWinner   Alignment
}

// NewEngine builds an engine. A nil rng gets a cryptographically seeded one;
// a nil emit discards events.
func NewEngine(cfg *Config, out Outbox, rng *rand.Rand, emit func(Event)) *Engine {
	if rng == nil {
		var seed [32]byte
		_, _ = crand.Read(seed[:])
		rng = rand.New(rand.NewChaCha8(seed))
	}
	if emit == nil {
		emit = func(Event) {}
	}

	return &Engine{
		cfg:   cfg,
		out:   out,
		rng:   rng,
		emit:  emit,
		phase: PhaseWaiting,
	}
}

func (e *Engine) Phase() Phase { return e.phase }

func (e *Engine) RosterSize() int { return len(e.players) }

func (e *Engine) Players() []Player { return slices.Clone(e.players) }

// CanStart reports whether the roster size is playable.
func (e *Engine) CanStart() bool {
	return e.phase == PhaseWaiting && supportedRosterSize(len(e.players))
}

func (e *Engine) requireSupportedRoster(op string) error {
	if supportedRosterSize(len(e.players)) {
		return nil
	}
	err := &UnsupportedRosterSizeError{Size: len(e.players)}
	logf(e.cfg, "GAME: %s rejected: %v", op, err)
	return err
}

// PlayerName returns the roster name for id, or "" when unknown.
func (e *Engine) PlayerName(id string) string {
	if i := e.playerIndex(id); i >= 0 {
		return e.players[i].Name
	}
	return ""
}

func (e *Engine) playerIndex(id string) int {
	return slices.IndexFunc(e.players, func(p Player) bool { return p.ID == id })
}

func (e *Engine) broadcastRoster() {
	e.out.Broadcast(&PlayerListUpdateMessage{Players: e.Players()})
}

// AdmitPlayer appends a player to the roster. Admitting a known id again only
// refreshes the display name.
func (e *Engine) AdmitPlayer(id, name string) error {
	if id == "" {
		return ErrUnknownPlayer
	}

	name = cleanText(name)
	if name == "" {
		name = fmt.Sprintf("Player %d", len(e.players)+1)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}

	if i := e.playerIndex(id); i >= 0 {
		e.players[i].Name = name
		e.broadcastRoster()
		return nil
	}

	if e.phase != PhaseWaiting {
		return ErrGameInProgress
	}

	player := Player{ID: id, Name: name}
	e.players = append(e.players, player)

	logf(e.cfg, "GAME: Player %q (%s) joined, roster is %d", name, id, len(e.players))

	e.broadcastRoster()
	e.emit(Event{Kind: EventPlayerJoined, Payload: PlayerJoinedPayload{Player: player, Players: e.Players()}})

	if supportedRosterSize(len(e.players)) {
		e.out.Broadcast(&GameReadyMessage{CanStart: true})
	}

	return nil
}

func (e *Engine) SetReady(id string) error {
	i := e.playerIndex(id)
	if i < 0 {
		return ErrUnknownPlayer
	}
	if e.players[i].Ready {
		return nil
	}

	e.players[i].Ready = true
	e.broadcastRoster()

	return nil
}

// StartGame deals one role per roster slot and starts the first mission.
func (e *Engine) StartGame() error {
	if e.phase != PhaseWaiting {
		return ErrGameInProgress
	}
	if err := e.requireSupportedRoster("start game"); err != nil {
		e.out.Broadcast(&GameErrorMessage{Message: err.Error()})
		return announcedError{err}
	}

	deck, err := rolesFor(len(e.players))
	if err != nil {
		return err
	}
	e.rng.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	roles := make([]RoleAssignment, len(e.players))
	for i, p := range e.players {
		roles[i] = RoleAssignment{PlayerID: p.ID, Role: deck[i], Alignment: deck[i].Alignment()}
	}

	e.roles = roles
	e.phase = PhaseGameStart
	e.missionNumber = 0
	e.mission = nil
	e.results = nil
	e.leader = 0
	e.winner = ""
	e.finalWinner = ""

	for _, r := range e.roles {
		card, _ := e.RoleCard(r.PlayerID)
		e.out.SendTo(r.PlayerID, card)
	}

	logf(e.cfg, "GAME: Dealt %d roles", len(e.roles))

	e.emit(Event{Kind: EventRolesAssigned, Payload: RolesAssignedPayload{Roles: slices.Clone(e.roles)}})

	return e.BeginMission()
}

// visibleInfo is the role-conditioned knowledge sent with a role card.
func (e *Engine) visibleInfo(r RoleAssignment) RoleInfo {
	info := RoleInfo{EvilPlayers: []string{}, PercivalInfo: []string{}}

	switch r.Role {
	case RoleMerlin:
		for _, other := range e.roles {
			if other.Alignment == AlignmentEvil && other.Role != RoleMordred {
				info.EvilPlayers = append(info.EvilPlayers, other.PlayerID)
			}
		}
	case RolePercival:
		// Merlin and Morgana share one unlabeled list, in roster order.
		for _, other := range e.roles {
			if other.Role == RoleMerlin || other.Role == RoleMorgana {
				info.PercivalInfo = append(info.PercivalInfo, other.PlayerID)
			}
		}
	}

	return info
}

// BeginMission opens the next mission for team selection.
func (e *Engine) BeginMission() error {
	resolved := e.phase == PhaseMissionVote && e.mission == nil
	if e.phase != PhaseGameStart && !resolved {
		return ErrWrongPhase
	}
	if err := e.requireSupportedRoster("begin mission"); err != nil {
		return err
	}
	if e.missionNumber >= maxMissions {
		return ErrMissionLimit
	}

	number := e.missionNumber + 1
	size, err := missionSize(number, len(e.players))
	if err != nil {
		return err
	}

	e.missionNumber = number
	e.mission = &Mission{
		Number:          number,
		RequiredSize:    size,
		SelectedMembers: []string{},
		Votes:           []Vote{},
		Result:          OutcomePending,
	}
	e.phase = PhaseMissionSelection

	leader := e.players[e.leader].ID

	logf(e.cfg, "GAME: Mission %d needs %d members, led by %s", number, size, leader)

	e.out.Broadcast(&GameStateMessage{
		State:         PhaseMissionSelection,
		MissionNumber: number,
		MissionSize:   size,
		Leader:        leader,
	})
	e.emit(Event{Kind: EventMissionStarted, Payload: MissionStartedPayload{MissionNumber: number, MissionSize: size, Leader: leader}})

	return nil
}

// ProposeTeam is the leader's team submission. An empty actor is trusted as
// the leader.
func (e *Engine) ProposeTeam(actor string, members []string) error {
	if e.phase != PhaseMissionSelection || e.mission == nil {
		return ErrWrongPhase
	}
	if err := e.requireSupportedRoster("propose team"); err != nil {
		return err
	}
	if actor != "" && actor != e.players[e.leader].ID {
		return ErrNotLeader
	}
	if len(members) != e.mission.RequiredSize {
		return fmt.Errorf("%w: need %d members, got %d", ErrInvalidTeam, e.mission.RequiredSize, len(members))
	}

	seen := make(map[string]bool, len(members))
	for _, id := range members {
		if e.playerIndex(id) < 0 {
			return fmt.Errorf("%w: %s is not on the roster", ErrInvalidTeam, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidTeam, id)
		}
		seen[id] = true
	}

	e.mission.SelectedMembers = slices.Clone(members)
	e.mission.Votes = []Vote{}
	e.phase = PhaseMissionVote

	logf(e.cfg, "GAME: Mission %d team is %s", e.missionNumber, strings.Join(members, ", "))

	e.out.Broadcast(&GameStateMessage{
		State:           PhaseMissionVote,
		MissionNumber:   e.missionNumber,
		MissionSize:     e.mission.RequiredSize,
		Leader:          e.players[e.leader].ID,
		SelectedMembers: slices.Clone(members),
	})
	e.emit(Event{Kind: EventVotingStarted, Payload: VotingStartedPayload{SelectedMembers: slices.Clone(members)}})

	return nil
}

// CastVote records one team member's vote and resolves the mission once
// every member has voted. A member votes at most once per mission.
func (e *Engine) CastVote(playerID string, vote bool) error {
	if e.phase != PhaseMissionVote || e.mission == nil {
		return ErrWrongPhase
	}
	if err := e.requireSupportedRoster("cast vote"); err != nil {
		return err
	}
	if !slices.Contains(e.mission.SelectedMembers, playerID) {
		return ErrNotOnTeam
	}
	if slices.ContainsFunc(e.mission.Votes, func(v Vote) bool { return v.PlayerID == playerID }) {
		return fmt.Errorf("%w: %s", ErrAlreadyVoted, playerID)
	}

	e.mission.Votes = append(e.mission.Votes, Vote{PlayerID: playerID, Vote: vote})

	e.emit(Event{Kind: EventVoteReceived, Payload: VoteReceivedPayload{PlayerID: playerID, Count: len(e.mission.Votes), Needed: len(e.mission.SelectedMembers)}})

	if len(e.mission.Votes) == len(e.mission.SelectedMembers) {
		return e.resolveMission()
	}

	return nil
}

// resolveMission applies the unanimity rule: one false vote fails the mission.
func (e *Engine) resolveMission() error {
	m := *e.mission
	m.Success = !slices.ContainsFunc(m.Votes, func(v Vote) bool { return !v.Vote })
	m.Result = OutcomeFail
	if m.Success {
		m.Result = OutcomeSuccess
	}

	e.results = append(e.results, m)
	e.mission = nil

	logf(e.cfg, "GAME: Mission %d %s", m.Number, m.Result)

	e.out.Broadcast(&MissionResultMessage{
		MissionNumber: m.Number,
		Success:       m.Success,
		Votes:         slices.Clone(m.Votes),
	})
	e.emit(Event{Kind: EventMissionCompleted, Payload: MissionCompletedPayload{MissionNumber: m.Number, Success: m.Success, Votes: slices.Clone(m.Votes)}})

	successes, failures, _ := e.MissionProgress()
	switch {
	case successes >= winsNeeded:
		return e.EndGame(AlignmentGood)
	case failures >= winsNeeded:
		return e.EndGame(AlignmentEvil)
	}

	e.leader = (e.leader + 1) % len(e.players)

	return e.BeginMission()
}

// EndGame reveals every role. An evil win opens the assassination step.
func (e *Engine) EndGame(winner Alignment) error {
	if !winner.valid() {
		return fmt.Errorf("invalid winner %q", winner)
	}
	if e.roles == nil || e.phase.revealsRoles() {
		return ErrWrongPhase
	}

	e.phase = PhaseGameEnd
	e.winner = winner

	logf(e.cfg, "GAME: %s wins on missions", winner)

	e.out.Broadcast(&GameResultMessage{
		Winner:         winner,
		MissionResults: slices.Clone(e.results),
		Roles:          slices.Clone(e.roles),
	})
	e.emit(Event{Kind: EventGameEnded, Payload: GameEndedPayload{Winner: winner, MissionResults: slices.Clone(e.results), Roles: slices.Clone(e.roles)}})

	if winner == AlignmentEvil {
		e.phase = PhaseAssassination
		e.out.Broadcast(&AssassinationPhaseMessage{Roles: slices.Clone(e.roles)})
	} else {
		e.finalWinner = AlignmentGood
	}

	return nil
}

// Assassinate resolves the final step: evil keeps the win only when target
// holds Merlin. An empty actor is trusted as the assassin.
func (e *Engine) Assassinate(actor, targetID string) error {
	if e.phase != PhaseAssassination {
		return ErrWrongPhase
	}
	if actor != "" {
		if r, ok := e.RoleOf(actor); !ok || r.Role != RoleAssassin {
			return ErrNotAssassin
		}
	}

	target, ok := e.RoleOf(targetID)
	if !ok {
		return ErrUnknownPlayer
	}

	assassinWins := target.Role == RoleMerlin
	final := AlignmentGood
	if assassinWins {
		final = AlignmentEvil
	}

	e.phase = PhaseGameOver
	e.finalWinner = final

	logf(e.cfg, "GAME: Assassin named %s (%s), %s wins", targetID, target.Role, final)

	e.out.Broadcast(&AssassinationResultMessage{
		Target:       targetID,
		AssassinWins: assassinWins,
		FinalWinner:  final,
	})
	e.emit(Event{Kind: EventAssassinationCompleted, Payload: AssassinationCompletedPayload{Target: targetID, AssassinWins: assassinWins, FinalWinner: final}})

	return nil
}

// RoleCard is the private role_assignment for one player, used at deal time
// and again when that player reconnects.
func (e *Engine) RoleCard(playerID string) (*RoleAssignmentMessage, bool) {
	r, ok := e.RoleOf(playerID)
	if !ok {
		return nil, false
	}

	return &RoleAssignmentMessage{
		PlayerID:  r.PlayerID,
		Role:      r.Role,
		Alignment: r.Alignment,
		GameInfo:  e.visibleInfo(r),
	}, true
}

func (e *Engine) RoleOf(playerID string) (RoleAssignment, bool) {
	for _, r := range e.roles {
		if r.PlayerID == playerID {
			return r, true
		}
	}
	return RoleAssignment{}, false
}

// MissionProgress counts finalized missions.
func (e *Engine) MissionProgress() (successes, failures, total int) {
	for _, m := range e.results {
		if m.Success {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures, len(e.results)
}

// Reset returns to the lobby, keeping the roster but clearing readiness.
func (e *Engine) Reset() {
	e.phase = PhaseWaiting
	e.roles = nil
	e.missionNumber = 0
	e.mission = nil
	e.results = nil
	e.leader = 0
	e.winner = ""
	e.finalWinner = ""
	for i := range e.players {
		e.players[i].Ready = false
	}

	logf(e.cfg, "GAME: Reset to lobby with %d player(s)", len(e.players))

	e.broadcastRoster()
	e.out.Broadcast(&GameStateMessage{State: PhaseWaiting})
}

// Snapshot copies the state. Roles are included only when revealRoles is set
// or the phase has already made them public.
func (e *Engine) Snapshot(revealRoles bool) GameState {
	s := GameState{
		Phase:                e.phase,
		Players:              e.Players(),
		CurrentMissionNumber: e.missionNumber,
		MissionResults:       slices.Clone(e.results),
		CurrentLeaderIndex:   e.leader,
		Winner:               e.winner,
		FinalWinner:          e.finalWinner,
	}
	if s.MissionResults == nil {
		s.MissionResults = []Mission{}
	}
	if len(e.players) > 0 && e.leader < len(e.players) {
		s.Leader = e.players[e.leader].ID
	}
	if e.mission != nil {
		s.MissionSize = e.mission.RequiredSize
		s.SelectedMembers = slices.Clone(e.mission.SelectedMembers)
		s.VoteCount = len(e.mission.Votes)
	}
	if revealRoles || e.phase.revealsRoles() {
		s.Roles = slices.Clone(e.roles)
	}
	return s
}
