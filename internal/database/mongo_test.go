package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"chandl/internal/database"
	"chandl/internal/dl"
	"chandl/internal/testutil"
)

const mockNS = "chandl.downloads"

var mockTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// downloadResponse is a stored download document as the server returns it.
func downloadResponse(key dl.Key, state dl.State, size, written int64, attempts int, target string) bson.D {
	return bson.D{
		{Key: "_id", Value: key.String()},
		{Key: "channel_id", Value: key.ChannelID},
		{Key: "message_id", Value: key.MessageID},
		{Key: "state", Value: string(state)},
		{Key: "declared_size", Value: size},
		{Key: "bytes_written", Value: written},
		{Key: "target_path", Value: target},
		{Key: "partial_sha256", Value: ""},
		{Key: "last_error", Value: ""},
		{Key: "attempts", Value: int32(attempts)},
		{Key: "archive_location", Value: ""},
		{Key: "created_at", Value: mockTime},
		{Key: "updated_at", Value: mockTime},
	}
}

func found(docs ...bson.D) bson.D {
	return mtest.CreateCursorResponse(0, mockNS, mtest.FirstBatch, docs...)
}

func modified(doc bson.D) bson.D {
	if doc == nil {
		return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil})
	}
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: doc})
}

var duplicateKey = mtest.CreateCommandErrorResponse(mtest.CommandError{
	Code:    11000,
	Message: "E11000 duplicate key error collection: chandl.downloads",
	Name:    "DuplicateKey",
})

func mockLedger(mt *mtest.T) *database.MongoLedger {
	return database.NewMongoLedgerFromClient(mt.Client, "chandl", testutil.FixedClock())
}

// sentCommands returns the started commands named name.
func sentCommands(mt *mtest.T, name string) []bson.Raw {
	var cmds []bson.Raw
	for _, evt := range mt.GetAllStartedEvents() {
		if evt.CommandName == name {
			cmds = append(cmds, evt.Command)
		}
	}
	return cmds
}

func lookupString(mt *mtest.T, cmd bson.Raw, path ...string) string {
	mt.Helper()
	v, err := cmd.LookupErr(path...)
	if err != nil {
		mt.Fatalf("command has no %v: %v", path, err)
	}
	return v.StringValue()
}

func lookupInt(mt *mtest.T, cmd bson.Raw, path ...string) int64 {
	mt.Helper()
	v, err := cmd.LookupErr(path...)
	if err != nil {
		mt.Fatalf("command has no %v: %v", path, err)
	}
	return v.AsInt64()
}

func TestMongoLedger_Mock(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	key := dl.Key{ChannelID: -1001, MessageID: 7}
	target := "/downloads/chan/7-clip.mp4"

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(found())
		rec, err := mockLedger(mt).Get(context.Background(), key)
		if err != nil || rec != nil {
			mt.Errorf("Get() = %+v, %v; want nil, nil", rec, err)
		}
	})

	mt.Run("get decodes record", func(mt *mtest.T) {
		mt.AddMockResponses(found(downloadResponse(key, dl.StatePaused, 1000, 400, 2, target)))
		rec, err := mockLedger(mt).Get(context.Background(), key)
		if err != nil {
			mt.Fatalf("Get() error = %v", err)
		}
		if rec.Key != key || rec.State != dl.StatePaused || rec.BytesWritten != 400 || rec.Attempts != 2 || rec.TargetPath != target {
			mt.Errorf("Get() = %+v", rec)
		}
	})

	mt.Run("create upserts queued record", func(mt *mtest.T) {
		mt.AddMockResponses(modified(downloadResponse(key, dl.StateQueued, 1000, 0, 0, target)))
		rec, err := mockLedger(mt).CreateOrResume(context.Background(), key, 1000, target)
		if err != nil {
			mt.Fatalf("CreateOrResume() error = %v", err)
		}
		if rec.State != dl.StateQueued || rec.DeclaredSize != 1000 {
			mt.Errorf("CreateOrResume() = %+v", rec)
		}

		cmds := sentCommands(mt, "findAndModify")
		if len(cmds) != 1 {
			mt.Fatalf("sent %d findAndModify commands, want 1", len(cmds))
		}
		if got := lookupString(mt, cmds[0], "query", "_id"); got != key.String() {
			mt.Errorf("query _id = %q", got)
		}
		if got := lookupString(mt, cmds[0], "update", "$setOnInsert", "target_path"); got != target {
			mt.Errorf("$setOnInsert target_path = %q", got)
		}
		if upsert, err := cmds[0].LookupErr("upsert"); err != nil || !upsert.Boolean() {
			mt.Error("findAndModify was not an upsert")
		}
	})

	mt.Run("create after concurrent insert returns existing", func(mt *mtest.T) {
		mt.AddMockResponses(duplicateKey, found(downloadResponse(key, dl.StatePaused, 1000, 400, 1, target)))
		rec, err := mockLedger(mt).CreateOrResume(context.Background(), key, 1000, target)
		if err != nil {
			mt.Fatalf("CreateOrResume() error = %v", err)
		}
		if rec.State != dl.StatePaused || rec.BytesWritten != 400 {
			mt.Errorf("CreateOrResume() = %+v, want the existing paused record", rec)
		}
	})

	mt.Run("create refuses target of another item", func(mt *mtest.T) {
		owner := dl.Key{ChannelID: -1001, MessageID: 3}
		mt.AddMockResponses(duplicateKey, found(), found(downloadResponse(owner, dl.StateComplete, 10, 10, 1, target)))
		_, err := mockLedger(mt).CreateOrResume(context.Background(), key, 1000, target)
		var conflict *dl.PathConflictError
		if !errors.As(err, &conflict) {
			mt.Fatalf("CreateOrResume() error = %v, want *PathConflictError", err)
		}
		if conflict.Owner != owner || conflict.Path != target {
			mt.Errorf("PathConflictError = %+v", conflict)
		}
	})

	mt.Run("transition pins compared fields", func(mt *mtest.T) {
		mt.AddMockResponses(
			found(downloadResponse(key, dl.StatePaused, 1000, 400, 1, target)),
			modified(downloadResponse(key, dl.StateInProgress, 1000, 400, 2, target)),
		)
		rec, err := mockLedger(mt).Transition(context.Background(), key, dl.StatePaused, dl.StateInProgress, dl.TransitionFields{IncrementAttempts: true})
		if err != nil {
			mt.Fatalf("Transition() error = %v", err)
		}
		if rec.State != dl.StateInProgress || rec.Attempts != 2 {
			mt.Errorf("Transition() = %+v", rec)
		}

		cmds := sentCommands(mt, "findAndModify")
		if len(cmds) != 1 {
			mt.Fatalf("sent %d findAndModify commands, want 1", len(cmds))
		}
		if got := lookupString(mt, cmds[0], "query", "state"); got != string(dl.StatePaused) {
			mt.Errorf("query state = %q, want paused", got)
		}
		if got := lookupInt(mt, cmds[0], "query", "bytes_written"); got != 400 {
			mt.Errorf("query bytes_written = %d, want 400", got)
		}
		if got := lookupInt(mt, cmds[0], "query", "attempts"); got != 1 {
			mt.Errorf("query attempts = %d, want 1", got)
		}
		if got := lookupString(mt, cmds[0], "update", "$set", "state"); got != string(dl.StateInProgress) {
			mt.Errorf("$set state = %q", got)
		}
		if got := lookupInt(mt, cmds[0], "update", "$set", "attempts"); got != 2 {
			mt.Errorf("$set attempts = %d, want 2", got)
		}
	})

	mt.Run("transition lost race is stale", func(mt *mtest.T) {
		mt.AddMockResponses(
			found(downloadResponse(key, dl.StateQueued, 1000, 0, 0, target)),
			modified(nil),
			found(downloadResponse(key, dl.StateInProgress, 1000, 0, 1, target)),
		)
		rec, err := mockLedger(mt).Transition(context.Background(), key, dl.StateQueued, dl.StateInProgress, dl.TransitionFields{})
		var stale *dl.StaleStateError
		if !errors.As(err, &stale) {
			mt.Fatalf("Transition() error = %v, want *StaleStateError", err)
		}
		if stale.Actual != dl.StateInProgress || rec.State != dl.StateInProgress {
			mt.Errorf("Transition() = %+v, %+v; want the winner's state", rec, stale)
		}
	})

	mt.Run("transition from wrong state sends no update", func(mt *mtest.T) {
		mt.AddMockResponses(found(downloadResponse(key, dl.StateComplete, 1000, 1000, 1, target)))
		_, err := mockLedger(mt).Transition(context.Background(), key, dl.StateQueued, dl.StateInProgress, dl.TransitionFields{})
		var stale *dl.StaleStateError
		if !errors.As(err, &stale) || stale.Actual != dl.StateComplete {
			mt.Errorf("Transition() error = %v, want stale with complete", err)
		}
		if n := len(sentCommands(mt, "findAndModify")); n != 0 {
			mt.Errorf("sent %d findAndModify commands, want 0", n)
		}
	})

	mt.Run("progress guards against regression on the server", func(mt *mtest.T) {
		mt.AddMockResponses(
			found(downloadResponse(key, dl.StateInProgress, 1000, 100, 1, target)),
			modified(downloadResponse(key, dl.StateInProgress, 1000, 250, 1, target)),
		)
		rec, err := mockLedger(mt).RecordProgress(context.Background(), key, 250, "digest")
		if err != nil {
			mt.Fatalf("RecordProgress() error = %v", err)
		}
		if rec.BytesWritten != 250 {
			mt.Errorf("BytesWritten = %d, want 250", rec.BytesWritten)
		}

		cmds := sentCommands(mt, "findAndModify")
		if len(cmds) != 1 {
			mt.Fatalf("sent %d findAndModify commands, want 1", len(cmds))
		}
		if got := lookupInt(mt, cmds[0], "query", "bytes_written", "$lte"); got != 250 {
			mt.Errorf("query bytes_written $lte = %d, want 250", got)
		}
		if got := lookupString(mt, cmds[0], "query", "state"); got != string(dl.StateInProgress) {
			mt.Errorf("query state = %q", got)
		}
		if got := lookupString(mt, cmds[0], "update", "$set", "partial_sha256"); got != "digest" {
			mt.Errorf("$set partial_sha256 = %q", got)
		}
	})

	mt.Run("progress regression rejected locally", func(mt *mtest.T) {
		mt.AddMockResponses(found(downloadResponse(key, dl.StateInProgress, 1000, 300, 1, target)))
		_, err := mockLedger(mt).RecordProgress(context.Background(), key, 200, "")
		var regression *dl.RegressionError
		if !errors.As(err, &regression) || regression.Current != 300 {
			mt.Errorf("RecordProgress() error = %v, want *RegressionError from 300", err)
		}
		if n := len(sentCommands(mt, "findAndModify")); n != 0 {
			mt.Errorf("sent %d findAndModify commands, want 0", n)
		}
	})

	mt.Run("indexes", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		if err := mockLedger(mt).SetupIndexes(context.Background()); err != nil {
			mt.Fatalf("SetupIndexes() error = %v", err)
		}

		cmds := sentCommands(mt, "createIndexes")
		if len(cmds) != 1 {
			mt.Fatalf("sent %d createIndexes commands, want 1", len(cmds))
		}
		indexes, err := cmds[0].Lookup("indexes").Array().Values()
		if err != nil {
			mt.Fatalf("reading indexes: %v", err)
		}
		unique := map[string]bool{}
		for _, idx := range indexes {
			doc := idx.Document()
			u, _ := doc.Lookup("unique").BooleanOK()
			unique[doc.Lookup("name").StringValue()] = u
		}
		for name, want := range map[string]bool{"idx_channel_message": true, "idx_state": false, "idx_target_path": true} {
			got, ok := unique[name]
			if !ok {
				mt.Errorf("index %s not created", name)
			} else if got != want {
				mt.Errorf("index %s unique = %v, want %v", name, got, want)
			}
		}
	})

	mt.Run("recover interrupted", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}, bson.E{Key: "nModified", Value: 2}))
		n, err := mockLedger(mt).RecoverInterrupted(context.Background())
		if err != nil || n != 2 {
			mt.Errorf("RecoverInterrupted() = %d, %v; want 2", n, err)
		}
		cmds := sentCommands(mt, "update")
		if len(cmds) != 1 {
			mt.Fatalf("sent %d update commands, want 1", len(cmds))
		}
		stmt := cmds[0].Lookup("updates").Array().Index(0).Value().Document()
		if got := stmt.Lookup("q", "state").StringValue(); got != string(dl.StateInProgress) {
			mt.Errorf("update filter state = %q", got)
		}
		if !stmt.Lookup("multi").Boolean() {
			mt.Error("update is not multi")
		}
	})
}
