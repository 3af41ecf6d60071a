package serial

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drover-io/drover/internal/db"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zaptest.NewLogger(t),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func TestFormatWidths(t *testing.T) {
	assert.Equal(t, "J-000042", FormatJob(42))
	assert.Equal(t, "T-000007", FormatTarget(7))
	assert.Equal(t, "J-000001.E-003", FormatExecution("J-000001", 3))
	assert.Equal(t, "J-000001.E-003.002", FormatBranch("J-000001.E-003", 2))
	assert.Equal(t, "002", BranchID(2))
	assert.Equal(t, "J-000001.E-003.002.A-001", FormatActionResult("J-000001.E-003.002", 1))
}

func TestFormatSaturatesBeyondWidth(t *testing.T) {
	// Values wider than the segment width are rendered unpadded, never
	// truncated.
	assert.Equal(t, "J-1234567", FormatJob(1234567))
	assert.Equal(t, "J-000001.E-1000", FormatExecution("J-000001", 1000))
	assert.Equal(t, "1000", BranchID(1000))
}

func TestSplitParent(t *testing.T) {
	parent, local := SplitParent("J-000001.E-003.002")
	assert.Equal(t, "J-000001.E-003", parent)
	assert.Equal(t, "002", local)

	parent, local = SplitParent("J-000001")
	assert.Empty(t, parent)
	assert.Equal(t, "J-000001", local)
}

func TestNumber(t *testing.T) {
	cases := map[string]int64{
		"J-000042":  42,
		"E-007":     7,
		"A-012":     12,
		"002":       2,
		"J-1234567": 1234567,
	}
	for segment, want := range cases {
		n, err := Number(segment)
		require.NoError(t, err, "segment %q", segment)
		assert.Equal(t, want, n, "segment %q", segment)
	}

	_, err := Number("J-")
	assert.Error(t, err)
	_, err = Number("nonsense")
	assert.Error(t, err)
}

func TestNextAllocatesDenseSequencePerScope(t *testing.T) {
	database := testDB(t)

	for want := int64(1); want <= 5; want++ {
		err := database.Transaction(func(tx *gorm.DB) error {
			n, err := Next(tx, KindJob, "")
			require.NoError(t, err)
			assert.Equal(t, want, n)
			return nil
		})
		require.NoError(t, err)
	}

	// Scopes are independent: a fresh parent starts back at 1.
	err := database.Transaction(func(tx *gorm.DB) error {
		n, err := Next(tx, KindExecution, "J-000001")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = Next(tx, KindExecution, "J-000002")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestNextRollsBackWithTransaction(t *testing.T) {
	database := testDB(t)

	err := database.Transaction(func(tx *gorm.DB) error {
		_, err := Next(tx, KindJob, "")
		require.NoError(t, err)
		return assert.AnError // force rollback
	})
	require.Error(t, err)

	// The allocation never became visible, so the sequence stays dense.
	err = database.Transaction(func(tx *gorm.DB) error {
		n, err := Next(tx, KindJob, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestNextConcurrentAllocationsAreUnique(t *testing.T) {
	database := testDB(t)

	const workers = 8
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, workers)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := database.Transaction(func(tx *gorm.DB) error {
				n, err := Next(tx, KindExecution, "J-000042")
				if err != nil {
					return err
				}
				mu.Lock()
				seen[n] = true
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers)
	for n := int64(1); n <= workers; n++ {
		assert.True(t, seen[n], "missing allocation %d", n)
	}
}

func TestNextExhaustion(t *testing.T) {
	database := testDB(t)

	// Plant a counter at the 32-bit cap; the next allocation must refuse.
	require.NoError(t, database.Create(&db.SerialCounter{
		Kind: KindJob, ParentSerial: "", Value: 1<<31 - 1,
	}).Error)

	err := database.Transaction(func(tx *gorm.DB) error {
		_, err := Next(tx, KindJob, "")
		return err
	})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestSerialProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("job serial round-trips through Number", prop.ForAll(
		func(n int64) bool {
			got, err := Number(FormatJob(n))
			return err == nil && got == n
		},
		gen.Int64Range(1, 1<<31-1),
	))

	properties.Property("branch serial splits back into execution serial and branch id", prop.ForAll(
		func(jobN int64, execN int64, pos int) bool {
			execSerial := FormatExecution(FormatJob(jobN), execN)
			parent, local := SplitParent(FormatBranch(execSerial, pos))
			return parent == execSerial && local == BranchID(pos)
		},
		gen.Int64Range(1, 9999999),
		gen.Int64Range(1, 9999),
		gen.IntRange(1, 5000),
	))

	properties.TestingRun(t)
}
