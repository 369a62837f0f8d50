package postgres

import (
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

var dialect = goqu.Dialect("postgres")

var (
	hostColumns = []string{
		"id", "name", "alloc_id", "facility_id", "state", "lock_state", "tags", "os", "thread_mode",
		"cores", "idle_cores", "memory", "idle_memory", "gpus", "idle_gpus", "gpu_memory", "idle_gpu_memory",
	}
	hostLocalColumns = []string{
		"id", "host_id", "job_id", "max_cores", "idle_cores", "max_memory", "idle_memory",
		"max_gpus", "idle_gpus", "max_gpu_memory", "idle_gpu_memory", "threads",
	}
	subscriptionColumns = []string{"id", "show_id", "alloc_id", "size", "burst", "cores", "gpus"}
	folderColumns       = []string{"id", "show_id", "dept_id", "max_cores", "max_gpus", "cores", "gpus"}
	pointColumns        = []string{"id", "show_id", "dept_id", "min_cores", "cores", "gpus"}
	limitColumns        = []string{"id", "name", "max_value"}
	jobColumns          = []string{
		"id", "name", "show_id", "facility_id", "dept_id", "folder_id", "point_id", "state", "priority",
		"min_cores", "max_cores", "min_gpus", "max_gpus", "paused", "auto_eat", "max_retries", "os", "ts_started",
		"cores", "gpus", "local_cores", "local_gpus",
	}
	layerColumns = []string{
		"id", "job_id", "name", "type", "dispatch_order", "min_cores", "max_cores", "min_memory", "min_gpus",
		"max_gpus", "min_gpu_memory", "tags", "threadable", "chunk_size", "memory_optimizer", "cores", "gpus",
	}
	frameColumns = []string{
		"id", "job_id", "layer_id", "name", "number", "state", "version", "depend_count", "retries", "exit_status",
		"dispatch_order", "layer_order", "checkpoint_state", "host", "cores", "memory", "gpus", "gpu_memory",
		"used_memory", "max_rss", "ts_started", "ts_stopped", "ts_updated",
	}
	procColumns = []string{
		"id", "host_id", "host_name", "show_id", "subscription_id", "job_id", "layer_id", "frame_id", "folder_id",
		"point_id", "host_local_id", "local", "cores", "memory", "gpus", "gpu_memory", "used_memory",
		"max_used_memory", "ts_booked", "ts_ping",
	}
	dependColumns = []string{
		"id", "parent_id", "type", "target", "signature", "active", "any_frame", "composite",
		"er_job_id", "er_layer_id", "er_frame_id", "on_job_id", "on_layer_id", "on_frame_id",
		"ts_created", "ts_satisfied",
	}
)

// layerLimitIds selects the limits of a layer as a sorted array.
const layerLimitIds = "ARRAY(SELECT limit_id FROM layer_limit WHERE layer_limit.layer_id = layer.id ORDER BY limit_id)"

func selectList(columns []string) string {
	return strings.Join(columns, ", ")
}

func goquColumns(table string, columns []string) []interface{} {
	result := make([]interface{}, len(columns))
	for i, c := range columns {
		result[i] = goqu.I(table + "." + c)
	}
	return result
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Status: pgtype.Null}
	}
	return pgtype.Timestamptz{Time: t, Status: pgtype.Present}
}

func timeOf(t pgtype.Timestamptz) time.Time {
	if t.Status != pgtype.Present {
		return time.Time{}
	}
	return t.Time
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func scanHost(row pgx.Row) (*model.Host, error) {
	h := &model.Host{}
	err := row.Scan(
		&h.Id, &h.Name, &h.AllocId, &h.FacilityId, (*string)(&h.State), (*string)(&h.LockState), &h.Tags, &h.Os,
		(*int)(&h.ThreadMode), &h.Cores, &h.IdleCores, &h.Memory, &h.IdleMemory, &h.Gpus, &h.IdleGpus,
		&h.GpuMemory, &h.IdleGpuMemory,
	)
	return h, err
}

func scanHostLocal(row pgx.Row) (*model.HostLocal, error) {
	l := &model.HostLocal{}
	err := row.Scan(
		&l.Id, &l.HostId, &l.JobId, &l.MaxCores, &l.IdleCores, &l.MaxMemory, &l.IdleMemory,
		&l.MaxGpus, &l.IdleGpus, &l.MaxGpuMemory, &l.IdleGpuMemory, &l.Threads,
	)
	return l, err
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	s := &model.Subscription{}
	err := row.Scan(&s.Id, &s.ShowId, &s.AllocId, &s.Size, &s.Burst, &s.Cores, &s.Gpus)
	return s, err
}

func scanFolder(row pgx.Row) (*model.Folder, error) {
	f := &model.Folder{}
	err := row.Scan(&f.Id, &f.ShowId, &f.DeptId, &f.MaxCores, &f.MaxGpus, &f.Cores, &f.Gpus)
	return f, err
}

func scanPoint(row pgx.Row) (*model.Point, error) {
	p := &model.Point{}
	err := row.Scan(&p.Id, &p.ShowId, &p.DeptId, &p.MinCores, &p.Cores, &p.Gpus)
	return p, err
}

func scanLimit(row pgx.Row) (*model.Limit, error) {
	l := &model.Limit{}
	err := row.Scan(&l.Id, &l.Name, &l.MaxValue)
	return l, err
}

func scanJob(row pgx.Row) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(
		&j.Id, &j.Name, &j.ShowId, &j.FacilityId, &j.DeptId, &j.FolderId, &j.PointId, (*string)(&j.State),
		&j.Priority, &j.MinCores, &j.MaxCores, &j.MinGpus, &j.MaxGpus, &j.Paused, &j.AutoEat, &j.MaxRetries,
		&j.Os, &j.TsStarted, &j.Cores, &j.Gpus, &j.LocalCores, &j.LocalGpus,
	)
	return j, err
}

// scanLayer expects the layer columns followed by the limit id array.
func scanLayer(row pgx.Row) (*model.Layer, error) {
	l := &model.Layer{}
	err := row.Scan(
		&l.Id, &l.JobId, &l.Name, (*string)(&l.Type), &l.DispatchOrder, &l.MinCores, &l.MaxCores, &l.MinMemory,
		&l.MinGpus, &l.MaxGpus, &l.MinGpuMemory, &l.Tags, &l.Threadable, &l.ChunkSize, &l.MemoryOptimizer,
		&l.Cores, &l.Gpus, &l.LimitIds,
	)
	return l, err
}

func scanFrame(row pgx.Row) (*model.Frame, error) {
	f := &model.Frame{}
	var started, stopped pgtype.Timestamptz
	err := row.Scan(
		&f.Id, &f.JobId, &f.LayerId, &f.Name, &f.Number, (*string)(&f.State), &f.Version, &f.DependCount,
		&f.Retries, &f.ExitStatus, &f.DispatchOrder, &f.LayerOrder, (*string)(&f.CheckpointState), &f.Host,
		&f.Cores, &f.Memory, &f.Gpus, &f.GpuMemory, &f.UsedMemory, &f.MaxRss, &started, &stopped, &f.TsUpdated,
	)
	f.TsStarted = timeOf(started)
	f.TsStopped = timeOf(stopped)
	return f, err
}

func scanProc(row pgx.Row) (*model.Proc, error) {
	p := &model.Proc{}
	var frameId pgtype.Text
	err := row.Scan(
		&p.Id, &p.HostId, &p.HostName, &p.ShowId, &p.SubscriptionId, &p.JobId, &p.LayerId, &frameId, &p.FolderId,
		&p.PointId, &p.HostLocalId, &p.Local, &p.Cores, &p.Memory, &p.Gpus, &p.GpuMemory, &p.UsedMemory,
		&p.MaxUsedMemory, &p.TsBooked, &p.TsPing,
	)
	if frameId.Status == pgtype.Present {
		p.FrameId = frameId.String
	}
	return p, err
}

func scanDepend(row pgx.Row) (*model.Depend, error) {
	d := &model.Depend{}
	var satisfied pgtype.Timestamptz
	err := row.Scan(
		&d.Id, &d.ParentId, (*string)(&d.Type), (*string)(&d.Target), &d.Signature, &d.Active, &d.Any,
		&d.Composite, &d.ErJobId, &d.ErLayerId, &d.ErFrameId, &d.OnJobId, &d.OnLayerId, &d.OnFrameId,
		&d.TsCreated, &satisfied,
	)
	d.TsSatisfied = timeOf(satisfied)
	return d, err
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, scan func(row pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	result := make([]*T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, item)
	}
	return result, errors.WithStack(rows.Err())
}
