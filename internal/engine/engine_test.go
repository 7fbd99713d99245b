package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stageline/internal/actiontoken"
	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/notify"
)

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) last() notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sent   *recorder
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	ctx := context.Background()
	if _, err := app.ImportConfig(ctx, eng.Repo, cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	rec := &recorder{}
	eng.Notifier = rec
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: ctx, Sent: rec}
}

func (env testEnv) register(t *testing.T) domain.Initiative {
	t.Helper()
	in, _, err := env.Engine.Register(env.Ctx, engine.CreateOptions{ID: "I1", Title: "Reduce steam loss", Site: "NDS", CreatedBy: "Kavya"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return in
}

func (env testEnv) pendingRow(t *testing.T, initiativeID string) domain.StageTransaction {
	t.Helper()
	row, err := env.Engine.GetCurrentPending(env.Ctx, initiativeID)
	if err != nil {
		t.Fatalf("current pending: %v", err)
	}
	if row == nil {
		t.Fatalf("no pending row for %s", initiativeID)
	}
	return *row
}

func (env testEnv) approve(t *testing.T, initiativeID string, stage int, actor string, assigned *string) engine.ActResult {
	t.Helper()
	row := env.pendingRow(t, initiativeID)
	if row.StageNumber != stage {
		t.Fatalf("expected stage %d pending, got %d", stage, row.StageNumber)
	}
	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		TransactionID:  row.ID,
		Decision:       domain.DecisionApprove,
		Comment:        "ok",
		ActorName:      actor,
		AssignedUserID: assigned,
	})
	if err != nil {
		t.Fatalf("approve stage %d: %v", stage, err)
	}
	return res
}

func (env testEnv) ledger(t *testing.T, initiativeID string) []domain.StageTransaction {
	t.Helper()
	rows, err := env.Engine.GetLedger(env.Ctx, initiativeID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return rows
}

func strPtr(s string) *string { return &s }

func TestCreateLeavesOnlyApprovedStageOne(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "Reduce steam loss", Site: "NDS", CreatedBy: "Kavya"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if in.Status != domain.InitiativePending || in.CurrentStage != 2 {
		t.Fatalf("unexpected initiative %+v", in)
	}
	rows := env.ledger(t, in.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	first := rows[0]
	if first.StageNumber != 1 || first.Status != domain.StageApproved {
		t.Fatalf("unexpected stage 1 row %+v", first)
	}
	if first.Comment == nil || *first.Comment != "registered" || first.ActionBy == nil || *first.ActionBy != "Kavya" {
		t.Fatalf("stage 1 should be registered by creator: %+v", first)
	}
	if len(env.Sent.sent) != 0 {
		t.Fatalf("create should not notify")
	}
}

func TestSeedOpensEvaluation(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "t", Site: "NDS", CreatedBy: "Kavya"})
	if err != nil {
		t.Fatal(err)
	}
	row, err := env.Engine.Seed(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if row.StageNumber != 2 || row.Status != domain.StagePending || row.RequiredRole != "CTSD" || row.PendingWith != "CTSD" {
		t.Fatalf("unexpected stage 2 row %+v", row)
	}
	if len(env.Sent.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.Sent.sent))
	}
	n := env.Sent.last()
	if n.Previous == nil || n.Previous.StageNumber != 1 || n.Next.ID != row.ID {
		t.Fatalf("unexpected notification %+v", n)
	}
	if len(n.Recipients) != 1 || n.Recipients[0].Email != "kavya@example.com" {
		t.Fatalf("expected CTSD recipients, got %+v", n.Recipients)
	}
	_, err = env.Engine.Seed(env.Ctx, in.ID)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error on second seed, got %v", err)
	}
	if _, err := env.Engine.Seed(env.Ctx, "missing"); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterRequiresRouting(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.Register(env.Ctx, engine.CreateOptions{ID: "X1", Title: "t", Site: "BLR", CreatedBy: "Kavya"})
	var mis engine.MisconfiguredRoutingError
	if !errors.As(err, &mis) || mis.Site != "BLR" || mis.Stage != 1 {
		t.Fatalf("expected misconfigured routing, got %v", err)
	}
	if _, err := env.Engine.GetInitiative(env.Ctx, "X1"); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("initiative should not exist: %v", err)
	}
}

func TestRegisterRejectsMissingStageTwo(t *testing.T) {
	cfg := config.Default()
	site := cfg.Sites["NDS"]
	site.Routing = site.Routing[:1]
	cfg.Sites["NDS"] = site
	env := newTestEnvWithConfig(t, cfg)
	_, _, err := env.Engine.Register(env.Ctx, engine.CreateOptions{ID: "X1", Title: "t", Site: "NDS", CreatedBy: "Kavya"})
	var mis engine.MisconfiguredRoutingError
	if !errors.As(err, &mis) || mis.Stage != 2 {
		t.Fatalf("expected misconfigured stage 2, got %v", err)
	}
	if _, err := env.Engine.GetInitiative(env.Ctx, "X1"); err == nil {
		t.Fatalf("no initiative should be left behind")
	}
}

func TestExampleScenario(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	rows := env.ledger(t, in.ID)
	if len(rows) != 2 || rows[1].StageNumber != 2 || rows[1].Status != domain.StagePending || rows[1].RequiredRole != "CTSD" {
		t.Fatalf("unexpected seeded ledger %+v", rows)
	}

	res := env.approve(t, in.ID, 2, "Kavya", nil)
	if len(res.Next) != 1 || res.Next[0].StageNumber != 3 || res.Next[0].RequiredRole != "SH" || res.Next[0].Status != domain.StagePending {
		t.Fatalf("unexpected stage 3 %+v", res.Next)
	}
	if res.Initiative.CurrentStage != 3 || res.Initiative.Status != domain.InitiativeInProgress {
		t.Fatalf("unexpected initiative %+v", res.Initiative)
	}

	res = env.approve(t, in.ID, 3, "Priya", strPtr("42"))
	if len(res.Next) != 3 {
		t.Fatalf("expected 3 lead rows, got %d", len(res.Next))
	}
	wantStatus := map[int]string{4: domain.StagePending, 5: domain.StageNotStarted, 6: domain.StageNotStarted}
	for _, row := range res.Next {
		if row.Status != wantStatus[row.StageNumber] {
			t.Fatalf("stage %d status %s", row.StageNumber, row.Status)
		}
		if row.AssignedUserID == nil || *row.AssignedUserID != "42" {
			t.Fatalf("stage %d missing lead", row.StageNumber)
		}
	}
	if res.Next[0].PendingWith != "rajesh@example.com" {
		t.Fatalf("stage 4 should be addressed to the lead, got %s", res.Next[0].PendingWith)
	}
	if res.Initiative.CurrentStage != 4 || res.Initiative.AssignedLeadID == nil || *res.Initiative.AssignedLeadID != "42" {
		t.Fatalf("unexpected initiative %+v", res.Initiative)
	}

	stage4 := env.pendingRow(t, in.ID)
	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage4.ID, Decision: domain.DecisionReject, Comment: "not viable", ActorName: "Rajesh"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Transaction.Status != domain.StageRejected || res.Initiative.Status != domain.InitiativeRejected || len(res.Next) != 0 {
		t.Fatalf("unexpected reject result %+v", res)
	}
	for _, row := range env.ledger(t, in.ID) {
		if row.StageNumber == 5 && row.Status != domain.StageNotStarted {
			t.Fatalf("stage 5 must stay NotStarted, got %s", row.Status)
		}
	}
}

func TestFullPipelineCompletes(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	actors := map[int]string{2: "Kavya", 3: "Priya", 4: "Rajesh", 5: "Rajesh", 6: "Rajesh", 7: "Kavya", 8: "Meena", 9: "Arun", 10: "Kavya", 11: "Priya"}
	for stage := 2; stage <= 11; stage++ {
		before := len(env.ledger(t, in.ID))
		var assigned *string
		if stage == 3 {
			assigned = strPtr("42")
		}
		res := env.approve(t, in.ID, stage, actors[stage], assigned)
		after := len(env.ledger(t, in.ID))
		switch {
		case stage == 3:
			if after-before != 3 {
				t.Fatalf("stage 3 should add 3 rows, added %d", after-before)
			}
		case stage == 4 || stage == 5 || stage == 11:
			if after != before {
				t.Fatalf("stage %d should not add rows", stage)
			}
		default:
			if after-before != 1 {
				t.Fatalf("stage %d should add 1 row, added %d", stage, after-before)
			}
		}
		wantCurrent := stage + 1
		if wantCurrent > 11 {
			wantCurrent = 11
		}
		if res.Initiative.CurrentStage != wantCurrent {
			t.Fatalf("after stage %d current=%d", stage, res.Initiative.CurrentStage)
		}
		if stage >= 6 && stage < 11 {
			if res.Next[0].StageNumber != stage+1 || res.Next[0].PendingKind() != "user" {
				t.Fatalf("stage %d should be role-routed to a user: %+v", stage+1, res.Next[0])
			}
		}
		if stage == 10 {
			ready, err := env.Engine.GetReadyForClosure(env.Ctx)
			if err != nil || len(ready) != 1 || ready[0].ID != in.ID || ready[0].ClosedBy != "Kavya" {
				t.Fatalf("ready for closure: %v %+v", err, ready)
			}
		}
	}
	got, err := env.Engine.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.InitiativeCompleted || got.CurrentStage != 11 {
		t.Fatalf("unexpected final initiative %+v", got)
	}
	p, err := env.Engine.GetProgress(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Percent != 100 || p.PlannedPercent != 100 || p.Materialized != 11 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if cur, _ := env.Engine.GetCurrentPending(env.Ctx, in.ID); cur != nil {
		t.Fatalf("completed initiative has pending row %+v", cur)
	}
	// stage 8 goes to the STLR holder
	for _, row := range env.ledger(t, in.ID) {
		if row.StageNumber == 8 && row.PendingWith != "meena@example.com" {
			t.Fatalf("stage 8 routed to %s", row.PendingWith)
		}
	}
}

func TestActOnNonPendingLeavesLedgerUnchanged(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	stage2 := env.pendingRow(t, in.ID)
	env.approve(t, in.ID, 2, "Kavya", nil)
	before := env.ledger(t, in.ID)

	for _, dec := range []domain.Decision{domain.DecisionApprove, domain.DecisionReject} {
		_, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: dec, Comment: "again", ActorName: "Kavya"})
		var np engine.NotPendingError
		if !errors.As(err, &np) {
			t.Fatalf("expected not pending, got %v", err)
		}
	}
	stage1 := before[0]
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage1.ID, Decision: domain.DecisionApprove, Comment: "x", ActorName: "Kavya"}); !errors.As(err, new(engine.NotPendingError)) {
		t.Fatalf("stage 1 is not actionable: %v", err)
	}
	after := env.ledger(t, in.ID)
	if len(after) != len(before) {
		t.Fatalf("ledger grew from %d to %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Status != after[i].Status || before[i].Version != after[i].Version {
			t.Fatalf("row %d mutated", before[i].StageNumber)
		}
	}
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: "nope", Decision: domain.DecisionApprove, Comment: "x", ActorName: "Kavya"}); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMixedCaseDefaultUserSeesOwnRow(t *testing.T) {
	cfg := config.Default()
	routing := cfg.Sites["NDS"].Routing
	for i := range routing {
		if routing[i].Stage == 2 {
			routing[i].DefaultUser = "Kavya@Example.com"
		}
	}
	env := newTestEnvWithConfig(t, cfg)
	in := env.register(t)
	stage2 := env.pendingRow(t, in.ID)
	if stage2.PendingWith != "kavya@example.com" {
		t.Fatalf("expected lowercased owner, got %q", stage2.PendingWith)
	}
	rows, err := env.Engine.GetPendingForUser(env.Ctx, "17")
	if err != nil || len(rows) != 1 || rows[0].ID != stage2.ID {
		t.Fatalf("default user inbox: %v %+v", err, rows)
	}
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorID: "17"}); err != nil {
		t.Fatalf("act as default user: %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	env.approve(t, in.ID, 2, "Kavya", nil)
	stage3 := env.pendingRow(t, in.ID)
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage3.ID, Decision: domain.DecisionReject, Comment: "no budget", ActorName: "Priya"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := env.Engine.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativeRejected || got.CurrentStage != 3 {
		t.Fatalf("unexpected initiative %+v", got)
	}
	if _, err := env.Engine.Seed(env.Ctx, in.ID); !errors.As(err, new(engine.NotPendingError)) {
		t.Fatalf("seed after reject: %v", err)
	}
	if n := len(env.ledger(t, in.ID)); n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestRejectedInitiativeLeavesLeadRowsInert(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	env.approve(t, in.ID, 2, "Kavya", nil)
	env.approve(t, in.ID, 3, "Priya", strPtr("42"))
	stage4 := env.pendingRow(t, in.ID)
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage4.ID, Decision: domain.DecisionReject, Comment: "unsafe", ActorName: "Rajesh"}); err != nil {
		t.Fatalf("reject stage 4: %v", err)
	}
	before := env.ledger(t, in.ID)
	var stage5 domain.StageTransaction
	for _, r := range before {
		if r.StageNumber == 5 {
			stage5 = r
		}
	}
	if stage5.Status != domain.StageNotStarted {
		t.Fatalf("expected stage 5 NotStarted, got %+v", stage5)
	}
	for _, dec := range []domain.Decision{domain.DecisionApprove, domain.DecisionReject} {
		_, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage5.ID, Decision: dec, Comment: "late", ActorName: "Rajesh"})
		if !errors.As(err, new(engine.NotPendingError)) {
			t.Fatalf("act on stage 5 after reject: %v", err)
		}
	}
	after := env.ledger(t, in.ID)
	if len(after) != len(before) {
		t.Fatalf("ledger grew from %d to %d", len(before), len(after))
	}
	got, _ := env.Engine.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativeRejected {
		t.Fatalf("unexpected initiative %+v", got)
	}
}

func TestLeadStagesStayHiddenUntilPredecessorApproved(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	env.approve(t, in.ID, 2, "Kavya", nil)
	env.approve(t, in.ID, 3, "Priya", strPtr("42"))

	visibleStages := func() map[int]bool {
		rows, err := env.Engine.GetVisibleLedger(env.Ctx, in.ID)
		if err != nil {
			t.Fatal(err)
		}
		out := map[int]bool{}
		for _, r := range rows {
			out[r.StageNumber] = true
		}
		return out
	}
	vis := visibleStages()
	if !vis[4] || vis[5] || vis[6] {
		t.Fatalf("only stage 4 of the lead trio should be visible: %v", vis)
	}
	p, _ := env.Engine.GetProgress(env.Ctx, in.ID)
	if p.Materialized != 6 || p.Approved != 3 || p.Percent != 50 || p.PlannedPercent != 27 {
		t.Fatalf("unexpected progress %+v", p)
	}

	env.approve(t, in.ID, 4, "Rajesh", nil)
	vis = visibleStages()
	if !vis[5] || vis[6] {
		t.Fatalf("stage 5 should now be visible, stage 6 hidden: %v", vis)
	}
	stage5 := env.pendingRow(t, in.ID)
	if stage5.StageNumber != 5 || stage5.PendingWith != "rajesh@example.com" {
		t.Fatalf("stage 5 should be pending with the lead: %+v", stage5)
	}
}

func TestConcurrentActHasSingleWinner(t *testing.T) {
	for _, stage := range []int{2, 3} {
		env := newTestEnv(t)
		in := env.register(t)
		if stage == 3 {
			env.approve(t, in.ID, 2, "Kavya", nil)
		}
		row := env.pendingRow(t, in.ID)
		before := len(env.ledger(t, in.ID))

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				dec := domain.DecisionApprove
				if i%2 == 1 {
					dec = domain.DecisionReject
				}
				_, errs[i] = env.Engine.Act(env.Ctx, engine.ActOptions{
					TransactionID:  row.ID,
					Decision:       dec,
					Comment:        "race",
					ActorName:      "racer",
					AssignedUserID: strPtr("42"),
				})
			}(i)
		}
		wg.Wait()
		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			if !errors.As(err, new(engine.NotPendingError)) {
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		rows := env.ledger(t, in.ID)
		seen := map[int]int{}
		for _, r := range rows {
			seen[r.StageNumber]++
			if seen[r.StageNumber] > 1 {
				t.Fatalf("duplicate row for stage %d", r.StageNumber)
			}
		}
		if grown := len(rows) - before; grown != 0 && grown != 1 && grown != 3 {
			t.Fatalf("unexpected number of downstream rows: %d", grown)
		}
	}
}

func TestActValidation(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	stage2 := env.pendingRow(t, in.ID)
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: domain.DecisionApprove, Comment: "   ", ActorName: "Kavya"}); !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("blank comment: %v", err)
	}
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: "Maybe", Comment: "x", ActorName: "Kavya"}); !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("bad decision: %v", err)
	}
	env.approve(t, in.ID, 2, "Kavya", nil)
	stage3 := env.pendingRow(t, in.ID)
	for _, assigned := range []*string{nil, strPtr(""), strPtr("999")} {
		_, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage3.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorName: "Priya", AssignedUserID: assigned})
		var verr engine.ValidationError
		if !errors.As(err, &verr) || verr.Field != "assigned_user_id" {
			t.Fatalf("expected assigned_user_id validation, got %v", err)
		}
	}
	if got := env.pendingRow(t, in.ID); got.ID != stage3.ID || got.Version != stage3.Version {
		t.Fatalf("failed validation must not touch the row")
	}
}

func TestUnresolvedRole(t *testing.T) {
	cfg := config.Default()
	var users []config.UserConfig
	for _, u := range cfg.Users {
		if u.Role != "STLR" {
			users = append(users, u)
		}
	}
	cfg.Users = users
	env := newTestEnvWithConfig(t, cfg)
	in := env.register(t)
	for stage := 2; stage <= 6; stage++ {
		var assigned *string
		if stage == 3 {
			assigned = strPtr("42")
		}
		env.approve(t, in.ID, stage, "x", assigned)
	}
	stage7 := env.pendingRow(t, in.ID)
	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage7.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorName: "Kavya"})
	var ur engine.UnresolvedRoleError
	if !errors.As(err, &ur) || ur.Role != "STLR" || ur.Stage != 8 {
		t.Fatalf("expected unresolved STLR, got %v", err)
	}
	if got := env.pendingRow(t, in.ID); got.ID != stage7.ID {
		t.Fatalf("stage 7 should still be pending after rollback")
	}
}

func TestRoleRoutingPrefersPriority(t *testing.T) {
	cfg := config.Default()
	cfg.Users = append(cfg.Users,
		config.UserConfig{ID: "70", Name: "Zara", Email: "zara@example.com", Site: "NDS", Role: "STLR", Priority: 0},
		config.UserConfig{ID: "71", Name: "Aditi", Email: "aditi@example.com", Site: "NDS", Role: "STLR", Priority: 5},
	)
	env := newTestEnvWithConfig(t, cfg)
	users, err := env.Engine.Routing.ResolveByRole(env.Ctx, "NDS", "STLR")
	if err != nil {
		t.Fatal(err)
	}
	got := []string{}
	for _, u := range users {
		got = append(got, u.ID)
	}
	want := []string{"70", "51", "71"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestActorAuthorization(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	stage2 := env.pendingRow(t, in.ID)
	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorID: "23"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("SH user should not act on CTSD stage: %v", err)
	}
	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorID: "17"})
	if err != nil {
		t.Fatalf("CTSD user act: %v", err)
	}
	if *res.Transaction.ActionBy != "Kavya" {
		t.Fatalf("actor name should come from the directory, got %s", *res.Transaction.ActionBy)
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.Sent.err = errors.New("smtp down")
	in := env.register(t)
	res := env.approve(t, in.ID, 2, "Kavya", nil)
	if res.Transaction.Status != domain.StageApproved {
		t.Fatalf("approval lost")
	}
	n := env.Sent.last()
	if n.Previous == nil || n.Previous.StageNumber != 2 || n.Next.StageNumber != 3 || n.Actor != "Kavya" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestActWithToken(t *testing.T) {
	env := newTestEnv(t)
	store := actiontoken.NewMemoryStore(10, time.Hour)
	env.Engine.Tokens = store
	in := env.register(t)
	n := env.Sent.last()
	if len(n.Recipients) != 1 || n.Recipients[0].ActionToken == "" {
		t.Fatalf("expected a token for Kavya: %+v", n.Recipients)
	}
	tok := n.Recipients[0].ActionToken
	if _, err := env.Engine.ActWithToken(env.Ctx, store, engine.TokenActOptions{Token: tok, Decision: domain.DecisionApprove, Comment: "  "}); !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("blank comment should fail validation: %v", err)
	}
	res, err := env.Engine.ActWithToken(env.Ctx, store, engine.TokenActOptions{Token: tok, Decision: domain.DecisionApprove, Comment: "from mail"})
	if err != nil {
		t.Fatalf("act with token: %v", err)
	}
	if res.Transaction.StageNumber != 2 || *res.Transaction.ActionBy != "Kavya" {
		t.Fatalf("unexpected result %+v", res.Transaction)
	}
	if _, err := env.Engine.ActWithToken(env.Ctx, store, engine.TokenActOptions{Token: tok, Decision: domain.DecisionApprove, Comment: "again"}); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("token must be single use: %v", err)
	}
	if cur := env.pendingRow(t, in.ID); cur.StageNumber != 3 {
		t.Fatalf("expected stage 3 pending")
	}
}

func TestConcurrentActAcrossConnections(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()
	var engines []engine.Engine
	for i := 0; i < 2; i++ {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		engines = append(engines, engine.New(conn))
	}
	if _, err := app.ImportConfig(ctx, engines[0].Repo, config.Default(), "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	_, rows, err := engines[0].Register(ctx, engine.CreateOptions{ID: "I1", Title: "Reduce steam loss", Site: "NDS", CreatedBy: "Kavya"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	stage2 := rows[len(rows)-1]

	var wg sync.WaitGroup
	errs := make([]error, len(engines))
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e engine.Engine) {
			defer wg.Done()
			_, errs[i] = e.Act(ctx, engine.ActOptions{TransactionID: stage2.ID, Decision: domain.DecisionApprove, Comment: "ok", ActorName: "Kavya"})
		}(i, e)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.As(err, new(engine.NotPendingError)):
		default:
			t.Fatalf("loser should see not pending, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	ledger, err := engines[1].GetLedger(ctx, "I1")
	if err != nil || len(ledger) != 3 {
		t.Fatalf("expected 3 rows: %v %d", err, len(ledger))
	}
}

func TestRemindStale(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	sent := len(env.Sent.sent)
	n, err := env.Engine.RemindStale(env.Ctx, 48*time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("fresh rows should not be reminded: %d %v", n, err)
	}
	env.Engine.Now = func() time.Time { return fixedNow.Add(72 * time.Hour) }
	n, err = env.Engine.RemindStale(env.Ctx, 48*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one reminder: %d %v", n, err)
	}
	last := env.Sent.last()
	if len(env.Sent.sent) != sent+1 || last.Kind != notify.KindReminder || last.Initiative.ID != in.ID {
		t.Fatalf("unexpected reminder %+v", last)
	}
}

func TestPendingQueries(t *testing.T) {
	env := newTestEnv(t)
	in := env.register(t)
	rows, err := env.Engine.GetPending(env.Ctx, "CTSD")
	if err != nil || len(rows) != 1 || rows[0].InitiativeID != in.ID {
		t.Fatalf("pending by role: %v %+v", err, rows)
	}
	rows, err = env.Engine.GetPendingAtSite(env.Ctx, "BLR", "CTSD")
	if err != nil || len(rows) != 0 {
		t.Fatalf("pending at other site: %v %+v", err, rows)
	}
	rows, err = env.Engine.GetPendingForUser(env.Ctx, "17")
	if err != nil || len(rows) != 1 {
		t.Fatalf("pending for Kavya: %v %+v", err, rows)
	}
	rows, err = env.Engine.GetPendingForUser(env.Ctx, "23")
	if err != nil || len(rows) != 0 {
		t.Fatalf("pending for Priya: %v %+v", err, rows)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, in.ID, 0, 0)
	if err != nil || len(evts) != 2 {
		t.Fatalf("events: %v %+v", err, evts)
	}
}
