package epishard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robodata/epishard/epishard_errors"
)

func TestValidateAcceptsChainedSnapshot(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(5, 20, 10, "image", 2))
	assert.NoError(t, ds.Validate())
}

func TestValidateRejectsBrokenWindowChain(t *testing.T) {
	eps := chainEpisodes(5, 20, 10, "image", 2)
	seg := eps[3].Videos["image"]
	seg.From += 0.5
	seg.To += 0.5
	eps[3].Videos["image"] = seg
	ds := testSnapshot(10, eps)
	assert.ErrorIs(t, ds.Validate(), epishard_errors.ErrShardConsistency)
}

func TestValidateRejectsSparseIndices(t *testing.T) {
	eps := chainEpisodes(3, 20, 10, "image", 3)
	eps[1].Index = 5
	ds := testSnapshot(10, eps)
	assert.ErrorIs(t, ds.Validate(), epishard_errors.ErrDatasetMalformed)
}

func TestValidateRejectsLengthMismatch(t *testing.T) {
	eps := chainEpisodes(3, 20, 10, "image", 3)
	eps[1].Length++
	ds := testSnapshot(10, eps)
	assert.ErrorIs(t, ds.Validate(), epishard_errors.ErrDatasetMalformed)
}

func TestValidateRejectsStaleTotals(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(3, 20, 10, "image", 3))
	ds.Info.TotalFrames = 61
	assert.ErrorIs(t, ds.Validate(), epishard_errors.ErrDatasetMalformed)
}

func TestValidateToleratesFloatDrift(t *testing.T) {
	eps := chainEpisodes(4, 20, 10, "image", 2)
	seg := eps[1].Videos["image"]
	seg.From += 1e-9
	eps[1].Videos["image"] = seg
	ds := testSnapshot(10, eps)
	assert.NoError(t, ds.Validate())
}
