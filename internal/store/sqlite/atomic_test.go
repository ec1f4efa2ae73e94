package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/model"
)

func TestCompleteTaskIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("subj-1", "AAAA1111")); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := db.CompleteTask(ctx, "subj-1", "join_telegram")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !first.HasCompleted("join_telegram") {
		t.Fatal("task not recorded")
	}
	wantRate := model.BaseRate + 0.3
	if math.Abs(first.PointsRate-wantRate) > 1e-9 {
		t.Fatalf("rate = %v, want %v", first.PointsRate, wantRate)
	}

	// Same (subject, task) pair again: successful no-op, same record back.
	second, err := db.CompleteTask(ctx, "subj-1", "join_telegram")
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if math.Abs(second.PointsRate-wantRate) > 1e-9 {
		t.Fatalf("repeat bumped rate to %v", second.PointsRate)
	}
	if len(second.TasksCompleted) != 1 {
		t.Fatalf("task recorded twice: %v", second.TasksCompleted)
	}

	// A different task stacks on top.
	third, err := db.CompleteTask(ctx, "subj-1", "join_discord")
	if err != nil {
		t.Fatalf("second task: %v", err)
	}
	if math.Abs(third.PointsRate-(wantRate+0.15)) > 1e-9 {
		t.Fatalf("rate after two tasks = %v", third.PointsRate)
	}
}

func TestCompleteTaskValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("subj-1", "AAAA1111")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := db.CompleteTask(ctx, "subj-1", "bogus"); !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("unknown task error = %v, want validation", err)
	}
	if _, err := db.CompleteTask(ctx, "ghost", "join_telegram"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("unknown subject error = %v, want not-found", err)
	}
}

func TestCompleteTaskBumpsLastUpdate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("subj-1", "AAAA1111")); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := db.FetchSubject(ctx, "subj-1")

	after, err := db.CompleteTask(ctx, "subj-1", "join_telegram")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if after.LastUpdate.Before(before.LastUpdate) {
		t.Fatalf("last_update went backwards: %v < %v", after.LastUpdate, before.LastUpdate)
	}
	// Settled points can only grow.
	if after.Points < before.Points {
		t.Fatalf("points regressed: %v < %v", after.Points, before.Points)
	}
}

func TestApplyReferralCreditsReferrerOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("referrer", "REFCODE1")); err != nil {
		t.Fatalf("create referrer: %v", err)
	}
	if err := db.CreateSubject(ctx, newSubject("referee", "REFCODE2")); err != nil {
		t.Fatalf("create referee: %v", err)
	}

	referee, err := db.ApplyReferral(ctx, "referee", "REFCODE1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if referee.ReferredBy != "referrer" {
		t.Fatalf("referred_by = %q", referee.ReferredBy)
	}
	// The bonus lands on the referrer only.
	if math.Abs(referee.PointsRate-model.BaseRate) > 1e-9 {
		t.Fatalf("referee rate = %v, bonus leaked", referee.PointsRate)
	}

	referrer, _ := db.FetchSubject(ctx, "referrer")
	if referrer.ReferralCount != 1 {
		t.Fatalf("referral count = %d", referrer.ReferralCount)
	}
	if math.Abs(referrer.PointsRate-(model.BaseRate+model.ReferralBonus)) > 1e-9 {
		t.Fatalf("referrer rate = %v", referrer.PointsRate)
	}

	// Applying again — even with a different valid code — changes nothing:
	// referred_by is the idempotency key.
	if err := db.CreateSubject(ctx, newSubject("other", "REFCODE3")); err != nil {
		t.Fatalf("create other: %v", err)
	}
	if _, err := db.ApplyReferral(ctx, "referee", "REFCODE3"); err != nil {
		t.Fatalf("repeat apply: %v", err)
	}
	referrer, _ = db.FetchSubject(ctx, "referrer")
	if referrer.ReferralCount != 1 {
		t.Fatalf("referral credited twice: %d", referrer.ReferralCount)
	}
	other, _ := db.FetchSubject(ctx, "other")
	if other.ReferralCount != 0 {
		t.Fatalf("second code credited: %d", other.ReferralCount)
	}
}

func TestApplyReferralUnknownCodeIsANoOp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("referee", "REFCODE2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	referee, err := db.ApplyReferral(ctx, "referee", "NOPE0000")
	if err != nil {
		t.Fatalf("unknown code must not error: %v", err)
	}
	if referee.ReferredBy != "" {
		t.Fatalf("referred_by set on unknown code: %q", referee.ReferredBy)
	}
}

func TestApplyReferralSelfCodeIsANoOp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("subj-1", "MYCODE01")); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := db.ApplyReferral(ctx, "subj-1", "MYCODE01")
	if err != nil {
		t.Fatalf("self-referral must not error: %v", err)
	}
	if out.ReferredBy != "" || out.ReferralCount != 0 {
		t.Fatalf("self-referral credited: %+v", out)
	}
}

func TestConnectTwitterGrantsOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateSubject(ctx, newSubject("subj-1", "AAAA1111")); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := db.ConnectTwitter(ctx, "subj-1", "ada_io", "https://example.com/a.png")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !first.TwitterConnected || first.TwitterUsername != "ada_io" {
		t.Fatalf("after connect = %+v", first)
	}
	if first.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("avatar not persisted: %q", first.AvatarURL)
	}
	wantRate := model.BaseRate + model.TwitterConnectReward
	if math.Abs(first.PointsRate-wantRate) > 1e-9 {
		t.Fatalf("rate = %v, want %v", first.PointsRate, wantRate)
	}

	second, err := db.ConnectTwitter(ctx, "subj-1", "someone_else", "")
	if err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	if second.TwitterUsername != "ada_io" {
		t.Fatalf("repeat connect overwrote username: %q", second.TwitterUsername)
	}
	if math.Abs(second.PointsRate-wantRate) > 1e-9 {
		t.Fatalf("reward granted twice: rate = %v", second.PointsRate)
	}
}
