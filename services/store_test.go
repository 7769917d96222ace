package services

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/protocol"
)

// contractStores returns every Store implementation under test. The
// postgres store only joins when MPSTUDY_POSTGRES_TEST_DSN points at a
// database, so the suite stays runnable without one.
func contractStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore()}

	dsn := os.Getenv("MPSTUDY_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Log("MPSTUDY_POSTGRES_TEST_DSN not set, running against the in-memory store only")
		return stores
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	pg := &PostgresStore{db: db, q: db}
	require.NoError(t, pg.migrate())
	t.Cleanup(func() { pg.Close() })
	stores["postgres"] = pg
	return stores
}

func contractStudy(t *testing.T) *protocol.Study {
	t.Helper()
	cfg, err := protocol.NewStudyConfig(2, 3, []string{"secure_mean", "secure_sum"})
	require.NoError(t, err)
	return protocol.NewStudy(uuid.NewString(), "cross-site cohort", "", "alpha.example.org", cfg)
}

func TestStoreRoundTripsStudy(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			study := contractStudy(t)
			require.NoError(t, store.CreateStudy(study))

			got, err := store.Study(study.ID)
			require.NoError(t, err)
			require.Equal(t, study.ID, got.ID)
			require.Equal(t, study.Name, got.Name)
			require.Equal(t, study.CreatedBy, got.CreatedBy)
			require.Equal(t, protocol.StudyForming, got.State)
			require.Equal(t, 2, got.Config.ThresholdT())
			require.Equal(t, 3, got.Config.ThresholdN())
			require.Equal(t, []string{"secure_mean", "secure_sum"}, got.Config.AllowedAlgorithms())

			study.State = protocol.StudyActive
			study.CombinedPublicKey = []byte("combined-key")
			study.PublicKeyFingerprint = "fp"
			require.NoError(t, store.UpdateStudy(study))

			got, err = store.Study(study.ID)
			require.NoError(t, err)
			require.Equal(t, protocol.StudyActive, got.State)
			require.Equal(t, []byte("combined-key"), got.CombinedPublicKey)
			require.Equal(t, "fp", got.PublicKeyFingerprint)

			var notFound *protocol.NotFoundError
			_, err = store.Study(uuid.NewString())
			require.ErrorAs(t, err, &notFound)
		})
	}
}

func TestStoreRoundTripsParticipantsAndDatasets(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			study := contractStudy(t)
			require.NoError(t, store.CreateStudy(study))

			joined := time.Now().UTC()
			require.NoError(t, store.AddParticipant(&protocol.Participant{
				StudyID:     study.ID,
				Institution: "alpha.example.org",
				Name:        "Alpha Clinic",
				KeyShare:    []byte("share:alpha"),
				JoinedAt:    joined,
			}))

			roster, err := store.Participants(study.ID)
			require.NoError(t, err)
			require.Len(t, roster, 1)
			require.Equal(t, "alpha.example.org", roster[0].Institution)
			require.Equal(t, []byte("share:alpha"), roster[0].KeyShare)
			require.WithinDuration(t, joined, roster[0].JoinedAt, time.Millisecond)

			require.NoError(t, store.AddDataset(&protocol.Dataset{
				ID:             uuid.NewString(),
				StudyID:        study.ID,
				Owner:          "alpha.example.org",
				Name:           "records",
				Ciphertext:     []byte("opaque-bundle"),
				CommitmentHash: "deadbeef",
				CommittedAt:    time.Now().UTC(),
			}))

			datasets, err := store.Datasets(study.ID)
			require.NoError(t, err)
			require.Len(t, datasets, 1)
			require.Equal(t, []byte("opaque-bundle"), datasets[0].Ciphertext)
			require.Equal(t, "deadbeef", datasets[0].CommitmentHash)
		})
	}
}

func TestStoreRoundTripsJob(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			study := contractStudy(t)
			require.NoError(t, store.CreateStudy(study))

			job, err := protocol.NewJob(uuid.NewString(), study, "alpha.example.org",
				"secure_mean", []string{"age", "dosage"}, map[string]any{"epsilon": 0.5})
			require.NoError(t, err)
			require.NoError(t, store.CreateJob(job))

			job.Approvals["alpha.example.org"] = time.Now().UTC()
			job.Shares["alpha.example.org"] = []byte("decrypt:alpha")
			job.State = protocol.JobAwaitingDecryption
			job.EncryptedResult = []byte("encrypted")
			job.ResultCommitment = "cafe"
			require.NoError(t, store.UpdateJob(job))

			got, err := store.Job(job.ID)
			require.NoError(t, err)
			require.Equal(t, protocol.JobAwaitingDecryption, got.State)
			require.Equal(t, []string{"age", "dosage"}, got.SelectedColumns)
			require.Equal(t, map[string]any{"epsilon": 0.5}, got.Params)
			require.Contains(t, got.Approvals, "alpha.example.org")
			require.Equal(t, []byte("decrypt:alpha"), got.Shares["alpha.example.org"])
			require.Equal(t, []byte("encrypted"), got.EncryptedResult)
			require.Equal(t, "cafe", got.ResultCommitment)

			jobs, err := store.Jobs(study.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
		})
	}
}

// The chain must stay verifiable after a round trip through the store:
// details bytes and the RFC3339Nano timestamp rendering are part of the
// entry hash, so any normalization on the way in or out breaks
// verification.
func TestStoreAuditChainSurvivesRoundTrip(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			studyID := uuid.NewString()

			var appended []*ledger.Entry
			for i, action := range []string{"study_created", "participant_joined", "job_approved"} {
				e, err := ledger.Append(store, studyID, action, "alpha.example.org", map[string]any{
					"sequence_hint": float64(i),
					"nested":        map[string]any{"id": uuid.NewString(), "note": "zürich"},
				})
				require.NoError(t, err)
				appended = append(appended, e)
			}

			entries, err := store.Entries(studyID)
			require.NoError(t, err)
			require.Len(t, entries, len(appended))
			for i, got := range entries {
				require.Equal(t, []byte(appended[i].Details), []byte(got.Details))
				require.Equal(t,
					appended[i].Timestamp.UTC().Format(time.RFC3339Nano),
					got.Timestamp.UTC().Format(time.RFC3339Nano))
				require.Equal(t, appended[i].EntryHash, got.EntryHash)
			}
			require.True(t, ledger.VerifyChain(entries))

			last, err := store.LastEntry(studyID)
			require.NoError(t, err)
			require.Equal(t, appended[len(appended)-1].EntryHash, last.EntryHash)
		})
	}
}

func TestStoreLastEntryEmptyChain(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			last, err := store.LastEntry(uuid.NewString())
			require.NoError(t, err)
			require.Nil(t, last)
		})
	}
}

func TestStoreRejectsStaleAuditAppend(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			studyID := uuid.NewString()
			first, err := ledger.Append(store, studyID, "study_created", "alpha.example.org", nil)
			require.NoError(t, err)

			// A writer that computed its entry from a stale tail collides
			// with the existing sequence number and must be rejected.
			stale := *first
			require.Error(t, store.AppendEntry(&stale))

			entries, err := store.Entries(studyID)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestStoreWithTxCommitsUnitsTogether(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			study := contractStudy(t)
			err := store.WithTx(func(tx Store) error {
				if err := tx.CreateStudy(study); err != nil {
					return err
				}
				_, err := ledger.Append(tx, study.ID, "study_created", study.CreatedBy, nil)
				return err
			})
			require.NoError(t, err)

			_, err = store.Study(study.ID)
			require.NoError(t, err)
			entries, err := store.Entries(study.ID)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

// Only the postgres store keeps rollback state; a failed unit of work
// must leave no trace of its mutations.
func TestPostgresWithTxRollsBackFailedUnits(t *testing.T) {
	stores := contractStores(t)
	store, ok := stores["postgres"]
	if !ok {
		t.Skip("MPSTUDY_POSTGRES_TEST_DSN not set")
	}

	study := contractStudy(t)
	failure := protocol.Validationf("append refused")
	err := store.WithTx(func(tx Store) error {
		if err := tx.CreateStudy(study); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	var notFound *protocol.NotFoundError
	_, err = store.Study(study.ID)
	require.ErrorAs(t, err, &notFound)
}
