package postgres

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type readTx struct {
	ctx *spindlecontext.Context
	tx  pgx.Tx
}

func getById[T any](r *readTx, kind, table string, columns []string, scan func(pgx.Row) (*T, error), id string) (*T, error) {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", selectList(columns), table)
	item, err := scan(r.tx.QueryRow(r.ctx, sql, id))
	if noRows(err) {
		return nil, &spindleerrors.ErrNotFound{Type: kind, Value: id}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return item, nil
}

// query runs a goqu dataset and scans every row.
func query[T any](r *readTx, ds *goqu.SelectDataset, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.tx.Query(r.ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(rows, scan)
}

func (r *readTx) GetHost(id string) (*model.Host, error) {
	return getById(r, "host", "host", hostColumns, scanHost, id)
}

func (r *readTx) GetHostLocal(id string) (*model.HostLocal, error) {
	return getById(r, "host local", "host_local", hostLocalColumns, scanHostLocal, id)
}

func (r *readTx) GetJob(id string) (*model.Job, error) {
	return getById(r, "job", "job", jobColumns, scanJob, id)
}

func (r *readTx) GetLayer(id string) (*model.Layer, error) {
	return getById(r, "layer", "layer", append(append([]string{}, layerColumns...), layerLimitIds), scanLayer, id)
}

func (r *readTx) GetFrame(id string) (*model.Frame, error) {
	return getById(r, "frame", "frame", frameColumns, scanFrame, id)
}

func (r *readTx) GetProc(id string) (*model.Proc, error) {
	return getById(r, "proc", "proc", procColumns, scanProc, id)
}

func (r *readTx) GetDepend(id string) (*model.Depend, error) {
	return getById(r, "depend", "depend", dependColumns, scanDepend, id)
}

func (r *readTx) GetSubscription(id string) (*model.Subscription, error) {
	return getById(r, "subscription", "subscription", subscriptionColumns, scanSubscription, id)
}

func (r *readTx) GetFolder(id string) (*model.Folder, error) {
	return getById(r, "folder", "folder", folderColumns, scanFolder, id)
}

func (r *readTx) GetPoint(id string) (*model.Point, error) {
	return getById(r, "point", "point", pointColumns, scanPoint, id)
}

func (r *readTx) GetLimit(id string) (*model.Limit, error) {
	return getById(r, "limit", "limit_record", limitColumns, scanLimit, id)
}

func (r *readTx) FindSubscription(showId, allocId string) (*model.Subscription, error) {
	sql := fmt.Sprintf("SELECT %s FROM subscription WHERE show_id = $1 AND alloc_id = $2", selectList(subscriptionColumns))
	sub, err := scanSubscription(r.tx.QueryRow(r.ctx, sql, showId, allocId))
	if noRows(err) {
		return nil, &spindleerrors.ErrNotFound{Type: "subscription", Value: showId + "/" + allocId}
	}
	return sub, errors.WithStack(err)
}

func (r *readTx) ProcForFrame(frameId string) (*model.Proc, error) {
	sql := fmt.Sprintf("SELECT %s FROM proc WHERE frame_id = $1", selectList(procColumns))
	proc, err := scanProc(r.tx.QueryRow(r.ctx, sql, frameId))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return proc, nil
}

func (r *readTx) Jobs(q store.JobQuery) ([]*model.Job, error) {
	ds := dialect.From("job").Select(goquColumns("job", jobColumns)...).Order(goqu.C("id").Asc())
	if len(q.Ids) > 0 {
		ds = ds.Where(goqu.C("id").In(q.Ids))
	}
	if q.ShowId != "" {
		ds = ds.Where(goqu.C("show_id").Eq(q.ShowId))
	}
	if q.FacilityId != "" {
		ds = ds.Where(goqu.C("facility_id").Eq(q.FacilityId))
	}
	if len(q.States) > 0 {
		ds = ds.Where(goqu.C("state").In(stringValues(q.States)))
	}
	return query(r, ds, scanJob)
}

func (r *readTx) Layers(jobId string) ([]*model.Layer, error) {
	columns := append(goquColumns("layer", layerColumns), goqu.L(layerLimitIds))
	ds := dialect.From("layer").
		Select(columns...).
		Where(goqu.C("job_id").Eq(jobId)).
		Order(goqu.C("dispatch_order").Asc(), goqu.C("id").Asc())
	return query(r, ds, scanLayer)
}

func (r *readTx) Frames(q store.FrameQuery) ([]*model.Frame, error) {
	ds := dialect.From("frame").
		Select(goquColumns("frame", frameColumns)...).
		Order(
			goqu.I("frame.dispatch_order").Asc(),
			goqu.I("frame.layer_order").Asc(),
			goqu.I("frame.number").Asc(),
			goqu.I("frame.id").Asc(),
		)
	var conditions []exp.Expression
	if q.JobId != "" {
		conditions = append(conditions, goqu.I("frame.job_id").Eq(q.JobId))
	}
	if q.LayerId != "" {
		conditions = append(conditions, goqu.I("frame.layer_id").Eq(q.LayerId))
	}
	if len(q.States) > 0 {
		conditions = append(conditions, goqu.I("frame.state").In(stringValues(q.States)))
	}
	if !q.UpdatedBefore.IsZero() {
		conditions = append(conditions, goqu.I("frame.ts_updated").Lt(q.UpdatedBefore))
	}
	if q.Unbound {
		conditions = append(conditions, goqu.L("NOT EXISTS (SELECT 1 FROM proc WHERE proc.frame_id = frame.id)"))
	}
	if len(conditions) > 0 {
		ds = ds.Where(conditions...)
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	return query(r, ds, scanFrame)
}

func (r *readTx) Procs(q store.ProcQuery) ([]*model.Proc, error) {
	ds := dialect.From("proc").Select(goquColumns("proc", procColumns)...).Order(goqu.C("ts_booked").Asc())
	if q.HostId != "" {
		ds = ds.Where(goqu.C("host_id").Eq(q.HostId))
	}
	if q.JobId != "" {
		ds = ds.Where(goqu.C("job_id").Eq(q.JobId))
	}
	if !q.PingBefore.IsZero() {
		ds = ds.Where(goqu.C("ts_ping").Lt(q.PingBefore))
	}
	return query(r, ds, scanProc)
}

func (r *readTx) Subscriptions(allocId string) ([]*model.Subscription, error) {
	ds := dialect.From("subscription").
		Select(goquColumns("subscription", subscriptionColumns)...).
		Where(goqu.C("alloc_id").Eq(allocId)).
		Order(goqu.C("id").Asc())
	return query(r, ds, scanSubscription)
}

func (r *readTx) HostLocals(q store.HostLocalQuery) ([]*model.HostLocal, error) {
	ds := dialect.From("host_local").Select(goquColumns("host_local", hostLocalColumns)...).Order(goqu.C("id").Asc())
	if q.HostId != "" {
		ds = ds.Where(goqu.C("host_id").Eq(q.HostId))
	}
	if q.JobId != "" {
		ds = ds.Where(goqu.C("job_id").Eq(q.JobId))
	}
	return query(r, ds, scanHostLocal)
}

func (r *readTx) Depends(q store.DependQuery) ([]*model.Depend, error) {
	ds := dialect.From("depend").
		Select(goquColumns("depend", dependColumns)...).
		Order(goqu.C("ts_created").Asc(), goqu.C("id").Asc())
	if len(q.Types) > 0 {
		ds = ds.Where(goqu.C("type").In(stringValues(q.Types)))
	}
	for column, value := range map[string]string{
		"er_job_id":   q.ErJobId,
		"er_layer_id": q.ErLayerId,
		"er_frame_id": q.ErFrameId,
		"on_job_id":   q.OnJobId,
		"on_layer_id": q.OnLayerId,
		"on_frame_id": q.OnFrameId,
		"parent_id":   q.ParentId,
		"signature":   q.Signature,
	} {
		if value != "" {
			ds = ds.Where(goqu.C(column).Eq(value))
		}
	}
	for column, value := range map[string]*bool{
		"active":    q.Active,
		"composite": q.Composite,
		"any_frame": q.Any,
	} {
		if value != nil {
			ds = ds.Where(goqu.C(column).Eq(*value))
		}
	}
	return query(r, ds, scanDepend)
}

func (r *readTx) LimitRunning(limitId string) (int, error) {
	var running int
	err := r.tx.QueryRow(r.ctx, `
		SELECT count(*) FROM frame
		JOIN layer_limit ON layer_limit.layer_id = frame.layer_id
		WHERE layer_limit.limit_id = $1 AND frame.state = $2`,
		limitId, string(model.FrameRunning)).Scan(&running)
	return running, errors.WithStack(err)
}

func (r *readTx) LayerStats(layerId string) (store.LayerStats, error) {
	stats := store.LayerStats{}
	rows, err := r.tx.Query(r.ctx, "SELECT state, count(*) FROM frame WHERE layer_id = $1 GROUP BY state", layerId)
	if err != nil {
		return stats, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, errors.WithStack(err)
		}
		stats.Total += count
		switch model.FrameState(state) {
		case model.FrameSetup:
			stats.Setup = count
		case model.FrameWaiting:
			stats.Waiting = count
		case model.FrameDepend:
			stats.Depend = count
		case model.FrameRunning:
			stats.Running = count
		case model.FrameSucceeded:
			stats.Succeeded = count
		case model.FrameDead:
			stats.Dead = count
		case model.FrameEaten:
			stats.Eaten = count
		}
	}
	return stats, errors.WithStack(rows.Err())
}

func stringValues[T ~string](values []T) []string {
	result := make([]string, len(values))
	for i, v := range values {
		result[i] = string(v)
	}
	return result
}
