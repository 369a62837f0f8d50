package depend

import (
	"sort"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type framePair struct {
	er *model.Frame
	on *model.Frame
}

// createFrameByFrame links every frame of the depend-er layer to the frames of the depend-on layer that cover the
// same frame numbers. Layers made of a single chunk can't be split this way and wait on the whole layer instead.
func (m *Manager) createFrameByFrame(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (*model.Depend, error) {
	erLayer, erFrames, err := layerFrames(tx, d.ErLayerId)
	if err != nil {
		return nil, err
	}
	onLayer, onFrames, err := layerFrames(tx, d.OnLayerId)
	if err != nil {
		return nil, err
	}
	if (len(onFrames) == 1 && onLayer.ChunkSize > 1) || (len(erFrames) == 1 && erLayer.ChunkSize > 1) {
		ctx.WithField("layer", erLayer.Id).Debug("single chunk layer, falling back to layer on layer")
		return m.create(ctx, tx, Request{
			Type:      model.LayerOnLayer,
			ErLayerId: d.ErLayerId,
			OnLayerId: d.OnLayerId,
		}, d.ParentId)
	}
	return m.createChildren(ctx, tx, d, chunkPairs(erFrames, onFrames, erLayer.ChunkSize, onLayer.ChunkSize))
}

// createPreviousFrame makes each frame of the depend-er layer wait on the depend-on frame one position earlier.
func (m *Manager) createPreviousFrame(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (*model.Depend, error) {
	_, erFrames, err := layerFrames(tx, d.ErLayerId)
	if err != nil {
		return nil, err
	}
	_, onFrames, err := layerFrames(tx, d.OnLayerId)
	if err != nil {
		return nil, err
	}
	return m.createChildren(ctx, tx, d, previousPairs(erFrames, onFrames))
}

func (m *Manager) createChildren(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend, pairs []framePair) (*model.Depend, error) {
	parent, err := m.insert(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if parent.Id != d.Id {
		return parent, nil
	}
	for _, pair := range pairs {
		_, err := m.create(ctx, tx, Request{
			Type:      model.FrameOnFrame,
			ErFrameId: pair.er.Id,
			OnFrameId: pair.on.Id,
		}, parent.Id)
		if err != nil {
			return nil, err
		}
	}
	ctx.Infof("created %s dependency %s with %d children", d.Type, d.Id, len(pairs))
	// Children on frames that are already complete are created inactive.
	if err := m.satisfyParentIfDone(ctx, tx, parent.Id); err != nil {
		return nil, err
	}
	return tx.GetDepend(parent.Id)
}

func layerFrames(tx store.ReadTx, layerId string) (*model.Layer, []*model.Frame, error) {
	layer, err := tx.GetLayer(layerId)
	if err != nil {
		return nil, nil, err
	}
	frames, err := tx.Frames(store.FrameQuery{LayerId: layerId})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Number < frames[j].Number
	})
	return layer, frames, nil
}

// chunkPairs maps each depend-er frame onto the depend-on frames covering its numbers. Both slices are sorted by
// frame number.
func chunkPairs(erFrames, onFrames []*model.Frame, erChunk, onChunk int) []framePair {
	if len(onFrames) == 0 {
		return nil
	}
	byNumber := make(map[int]*model.Frame, len(onFrames))
	for _, f := range onFrames {
		byNumber[f.Number] = f
	}
	var pairs []framePair
	for _, er := range erFrames {
		if erChunk == onChunk {
			if on, ok := byNumber[er.Number]; ok {
				pairs = append(pairs, framePair{er: er, on: on})
			}
			continue
		}
		seen := map[string]bool{}
		if on := findChunk(onFrames, er.Number); on != nil {
			pairs = append(pairs, framePair{er: er, on: on})
			seen[on.Id] = true
		}
		if erChunk > onChunk {
			// The depend-er chunk spans several depend-on chunks.
			for _, on := range onFrames {
				if on.Number > er.Number && on.Number < er.Number+erChunk && !seen[on.Id] {
					pairs = append(pairs, framePair{er: er, on: on})
					seen[on.Id] = true
				}
			}
		}
	}
	return pairs
}

// findChunk returns the frame whose chunk contains number: the frame with that number, else the last frame
// numbered below it. Returns nil if every frame is numbered above it.
func findChunk(frames []*model.Frame, number int) *model.Frame {
	var chunk *model.Frame
	for _, f := range frames {
		if f.Number > number {
			break
		}
		chunk = f
	}
	return chunk
}

func previousPairs(erFrames, onFrames []*model.Frame) []framePair {
	var pairs []framePair
	for i := 1; i < len(erFrames) && i-1 < len(onFrames); i++ {
		pairs = append(pairs, framePair{er: erFrames[i], on: onFrames[i-1]})
	}
	return pairs
}
