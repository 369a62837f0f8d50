package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type tx struct {
	readTx
}

// exec runs a statement and returns the number of affected rows.
func (t *tx) exec(sql string, args ...interface{}) (int64, error) {
	tag, err := t.tx.Exec(t.ctx, sql, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) exists(table, id string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), id).Scan(&exists)
	return exists, errors.WithStack(err)
}

func (t *tx) LockHost(id string) error {
	var locked string
	err := t.tx.QueryRow(t.ctx, "SELECT id FROM host WHERE id = $1 FOR UPDATE NOWAIT", id).Scan(&locked)
	switch {
	case noRows(err):
		return &spindleerrors.ErrNotFound{Type: "host", Value: id}
	case isLockNotAvailable(err):
		return &spindleerrors.ErrResourceReservation{Resource: "host", Value: id, Message: "host is locked by another booking"}
	}
	return errors.WithStack(err)
}

func (t *tx) LockFrame(id string, state model.FrameState, version int64) error {
	var locked string
	err := t.tx.QueryRow(t.ctx,
		"SELECT id FROM frame WHERE id = $1 AND state = $2 AND version = $3 FOR UPDATE NOWAIT",
		id, string(state), version).Scan(&locked)
	if noRows(err) || isLockNotAvailable(err) {
		return &spindleerrors.ErrFrameReservation{FrameId: id}
	}
	return errors.WithStack(err)
}

func (t *tx) InsertProc(proc *model.Proc) error {
	bound, err := t.ProcForFrame(proc.FrameId)
	if err != nil {
		return err
	}
	if bound != nil {
		return &spindleerrors.ErrResourceDuplication{FrameId: proc.FrameId, ProcId: bound.Id}
	}
	_, err = t.exec(fmt.Sprintf("INSERT INTO proc (%s) VALUES (%s)", selectList(procColumns), placeholders(len(procColumns))),
		proc.Id, proc.HostId, proc.HostName, proc.ShowId, proc.SubscriptionId, proc.JobId, proc.LayerId, proc.FrameId,
		proc.FolderId, proc.PointId, proc.HostLocalId, proc.Local, proc.Cores, proc.Memory, proc.Gpus, proc.GpuMemory,
		proc.UsedMemory, proc.MaxUsedMemory, proc.TsBooked, proc.TsPing)
	if isUniqueViolation(err, procFrameConstraint) {
		return &spindleerrors.ErrResourceDuplication{FrameId: proc.FrameId, ProcId: proc.Id}
	}
	return err
}

func (t *tx) DeleteProc(id string) (bool, error) {
	n, err := t.exec("DELETE FROM proc WHERE id = $1", id)
	return n == 1, err
}

func (t *tx) UpdateProcFrame(procId, layerId, frameId string) (bool, error) {
	n, err := t.exec("UPDATE proc SET layer_id = $2, frame_id = $3 WHERE id = $1", procId, layerId, frameId)
	if isUniqueViolation(err, procFrameConstraint) {
		return false, &spindleerrors.ErrResourceDuplication{FrameId: frameId, ProcId: procId}
	}
	return n == 1, err
}

func (t *tx) UpdateProcMemory(procId string, memory int64) (bool, error) {
	n, err := t.exec("UPDATE proc SET memory = $2 WHERE id = $1 AND memory < $2", procId, memory)
	return n == 1, err
}

func (t *tx) UpdateProcUsage(procId string, used, maxUsed int64, ping time.Time) (bool, error) {
	n, err := t.exec(
		"UPDATE proc SET used_memory = $2, max_used_memory = GREATEST(max_used_memory, $3), ts_ping = $4 WHERE id = $1",
		procId, used, maxUsed, ping)
	return n == 1, err
}

type counterStatement struct {
	table string
	sql   string
	// idle kinds carry memory, running totals only cores and gpus
	idle bool
}

func idleStatement(table string) counterStatement {
	return counterStatement{table: table, idle: true, sql: fmt.Sprintf(`
		UPDATE %s SET
			idle_cores = idle_cores + $2::integer,
			idle_memory = idle_memory + $3::bigint,
			idle_gpus = idle_gpus + $4::integer,
			idle_gpu_memory = idle_gpu_memory + $5::bigint
		WHERE id = $1
			AND idle_cores + $2::integer >= 0
			AND idle_memory + $3::bigint >= 0
			AND idle_gpus + $4::integer >= 0
			AND idle_gpu_memory + $5::bigint >= 0`, table)}
}

func runningStatement(table, prefix string) counterStatement {
	return counterStatement{table: table, sql: fmt.Sprintf(
		"UPDATE %s SET %[2]scores = %[2]scores + $2::integer, %[2]sgpus = %[2]sgpus + $3::integer WHERE id = $1",
		table, prefix)}
}

// counterStatements holds one conditional update per counter kind, keyed by $1.
var counterStatements = map[store.CounterKind]counterStatement{
	store.HostIdle:      idleStatement("host"),
	store.HostLocalIdle: idleStatement("host_local"),
	store.SubscriptionRunning: {table: "subscription", sql: `
		UPDATE subscription SET cores = cores + $2::integer, gpus = gpus + $3::integer
		WHERE id = $1 AND ($2::integer <= 0 OR cores + $2::integer <= burst)`},
	store.JobRunning:      runningStatement("job", ""),
	store.JobLocalRunning: runningStatement("job", "local_"),
	store.FolderRunning:   runningStatement("folder", ""),
	store.PointRunning:    runningStatement("point", ""),
	store.LayerRunning:    runningStatement("layer", ""),
}

func (t *tx) AdjustCounters(deltas ...store.CounterDelta) error {
	for _, d := range deltas {
		if d.Key == "" {
			continue
		}
		statement, ok := counterStatements[d.Kind]
		if !ok {
			return errors.Errorf("unknown counter kind %d", d.Kind)
		}
		args := []interface{}{d.Key, d.Cores, d.Gpus}
		if statement.idle {
			args = []interface{}{d.Key, d.Cores, d.Memory, d.Gpus, d.GpuMemory}
		}
		n, err := t.exec(statement.sql, args...)
		if isCheckViolation(err) {
			return &spindleerrors.ErrResourceReservation{Resource: d.Kind.String(), Value: d.Key}
		}
		if err != nil {
			return err
		}
		if n == 1 {
			continue
		}
		exists, err := t.exists(statement.table, d.Key)
		if err != nil {
			return err
		}
		if !exists {
			return &spindleerrors.ErrNotFound{Type: d.Kind.String(), Value: d.Key}
		}
		return &spindleerrors.ErrResourceReservation{Resource: d.Kind.String(), Value: d.Key}
	}
	return nil
}

const underLimitClause = `
	AND NOT EXISTS (
		SELECT 1 FROM layer_limit
		JOIN limit_record ON limit_record.id = layer_limit.limit_id
		WHERE layer_limit.layer_id = frame.layer_id
			AND (
				SELECT count(*) FROM frame running
				JOIN layer_limit shared ON shared.layer_id = running.layer_id
				WHERE shared.limit_id = layer_limit.limit_id AND running.state = 'RUNNING'
			) >= limit_record.max_value
	)`

func (t *tx) UpdateFrame(cond store.FrameCondition, frame *model.Frame) (bool, error) {
	var sql strings.Builder
	sql.WriteString(`
		UPDATE frame SET
			state = $4, retries = $5, exit_status = $6, checkpoint_state = $7, host = $8,
			cores = $9, memory = $10, gpus = $11, gpu_memory = $12, used_memory = $13, max_rss = $14,
			ts_started = $15, ts_stopped = $16, ts_updated = $17, version = version + 1
		WHERE id = $1 AND state = $2 AND version = $3`)
	if cond.DependCountZero {
		sql.WriteString(" AND depend_count = 0")
	}
	if cond.UnderLimit {
		sql.WriteString(underLimitClause)
	}
	sql.WriteString(" RETURNING version, depend_count")

	tsUpdated := frame.TsUpdated
	if tsUpdated.IsZero() {
		tsUpdated = time.Now()
	}
	var version int64
	var dependCount int
	err := t.tx.QueryRow(t.ctx, sql.String(),
		cond.Id, string(cond.State), cond.Version,
		string(frame.State), frame.Retries, frame.ExitStatus, string(frame.CheckpointState), frame.Host,
		frame.Cores, frame.Memory, frame.Gpus, frame.GpuMemory, frame.UsedMemory, frame.MaxRss,
		timestamptz(frame.TsStarted), timestamptz(frame.TsStopped), tsUpdated,
	).Scan(&version, &dependCount)
	if noRows(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	frame.Version = version
	frame.DependCount = dependCount
	return true, nil
}

func (t *tx) AdjustDependCount(frameId string, delta int) (int, error) {
	var count int
	err := t.tx.QueryRow(t.ctx,
		"UPDATE frame SET depend_count = GREATEST(depend_count + $2, 0) WHERE id = $1 RETURNING depend_count",
		frameId, delta).Scan(&count)
	if noRows(err) {
		return 0, &spindleerrors.ErrNotFound{Type: "frame", Value: frameId}
	}
	return count, errors.WithStack(err)
}

func (t *tx) SetDependCount(frameId string, count int) error {
	if count < 0 {
		count = 0
	}
	n, err := t.exec("UPDATE frame SET depend_count = $2 WHERE id = $1", frameId, count)
	if err == nil && n == 0 {
		return &spindleerrors.ErrNotFound{Type: "frame", Value: frameId}
	}
	return err
}

func (t *tx) UpdateLayerMemory(layerId string, minMemory int64) error {
	n, err := t.exec("UPDATE layer SET min_memory = $2 WHERE id = $1", layerId, minMemory)
	if err == nil && n == 0 {
		return &spindleerrors.ErrNotFound{Type: "layer", Value: layerId}
	}
	return err
}

func (t *tx) UpdateJobState(jobId string, from, to model.JobState) (bool, error) {
	n, err := t.exec("UPDATE job SET state = $3 WHERE id = $1 AND state = $2", jobId, string(from), string(to))
	if err != nil {
		return false, err
	}
	if n == 0 {
		exists, err := t.exists("job", jobId)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, &spindleerrors.ErrNotFound{Type: "job", Value: jobId}
		}
	}
	return n == 1, nil
}

func (t *tx) InsertDepend(d *model.Depend) error {
	var holder string
	err := t.tx.QueryRow(t.ctx, "SELECT id FROM depend WHERE signature = $1", d.Signature).Scan(&holder)
	if err == nil {
		return &spindleerrors.ErrAlreadyExists{Type: "depend", Value: d.Signature}
	}
	if !noRows(err) {
		return errors.WithStack(err)
	}
	_, err = t.exec(fmt.Sprintf("INSERT INTO depend (%s) VALUES (%s)", selectList(dependColumns), placeholders(len(dependColumns))),
		d.Id, d.ParentId, string(d.Type), string(d.Target), d.Signature, d.Active, d.Any, d.Composite,
		d.ErJobId, d.ErLayerId, d.ErFrameId, d.OnJobId, d.OnLayerId, d.OnFrameId,
		d.TsCreated, timestamptz(d.TsSatisfied))
	if isUniqueViolation(err, dependSignatureConstraint) {
		return &spindleerrors.ErrAlreadyExists{Type: "depend", Value: d.Signature}
	}
	return err
}

func (t *tx) UpdateDepend(cond store.DependCondition, d *model.Depend) (bool, error) {
	n, err := t.exec(
		"UPDATE depend SET active = $3, signature = $4, ts_satisfied = $5 WHERE id = $1 AND active = $2",
		cond.Id, cond.Active, d.Active, d.Signature, timestamptz(d.TsSatisfied))
	if isUniqueViolation(err, dependSignatureConstraint) {
		return false, &spindleerrors.ErrAlreadyExists{Type: "depend", Value: d.Signature}
	}
	return n == 1, err
}

func (t *tx) PutHost(h *model.Host) error {
	_, err := t.exec(upsert("host", hostColumns),
		h.Id, h.Name, h.AllocId, h.FacilityId, string(h.State), string(h.LockState), h.Tags, h.Os, int(h.ThreadMode),
		h.Cores, h.IdleCores, h.Memory, h.IdleMemory, h.Gpus, h.IdleGpus, h.GpuMemory, h.IdleGpuMemory)
	return err
}

func (t *tx) PutHostLocal(l *model.HostLocal) error {
	_, err := t.exec(upsert("host_local", hostLocalColumns),
		l.Id, l.HostId, l.JobId, l.MaxCores, l.IdleCores, l.MaxMemory, l.IdleMemory,
		l.MaxGpus, l.IdleGpus, l.MaxGpuMemory, l.IdleGpuMemory, l.Threads)
	return err
}

func (t *tx) PutSubscription(s *model.Subscription) error {
	_, err := t.exec(upsert("subscription", subscriptionColumns), s.Id, s.ShowId, s.AllocId, s.Size, s.Burst, s.Cores, s.Gpus)
	return err
}

func (t *tx) PutFolder(f *model.Folder) error {
	_, err := t.exec(upsert("folder", folderColumns), f.Id, f.ShowId, f.DeptId, f.MaxCores, f.MaxGpus, f.Cores, f.Gpus)
	return err
}

func (t *tx) PutPoint(p *model.Point) error {
	_, err := t.exec(upsert("point", pointColumns), p.Id, p.ShowId, p.DeptId, p.MinCores, p.Cores, p.Gpus)
	return err
}

func (t *tx) PutLimit(l *model.Limit) error {
	_, err := t.exec(upsert("limit_record", limitColumns), l.Id, l.Name, l.MaxValue)
	return err
}

func (t *tx) PutJob(j *model.Job) error {
	tsStarted := j.TsStarted
	if tsStarted.IsZero() {
		tsStarted = time.Now()
	}
	_, err := t.exec(upsert("job", jobColumns),
		j.Id, j.Name, j.ShowId, j.FacilityId, j.DeptId, j.FolderId, j.PointId, string(j.State), j.Priority,
		j.MinCores, j.MaxCores, j.MinGpus, j.MaxGpus, j.Paused, j.AutoEat, j.MaxRetries, j.Os, tsStarted,
		j.Cores, j.Gpus, j.LocalCores, j.LocalGpus)
	return err
}

func (t *tx) PutLayer(l *model.Layer) error {
	_, err := t.exec(upsert("layer", layerColumns),
		l.Id, l.JobId, l.Name, string(l.Type), l.DispatchOrder, l.MinCores, l.MaxCores, l.MinMemory, l.MinGpus,
		l.MaxGpus, l.MinGpuMemory, l.Tags, l.Threadable, l.ChunkSize, l.MemoryOptimizer, l.Cores, l.Gpus)
	if err != nil {
		return err
	}
	if _, err := t.exec("DELETE FROM layer_limit WHERE layer_id = $1", l.Id); err != nil {
		return err
	}
	for _, limitId := range l.LimitIds {
		if _, err := t.exec("INSERT INTO layer_limit (layer_id, limit_id) VALUES ($1, $2)", l.Id, limitId); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PutFrame(f *model.Frame) error {
	tsUpdated := f.TsUpdated
	if tsUpdated.IsZero() {
		tsUpdated = time.Now()
	}
	_, err := t.exec(upsert("frame", frameColumns),
		f.Id, f.JobId, f.LayerId, f.Name, f.Number, string(f.State), f.Version, f.DependCount, f.Retries,
		f.ExitStatus, f.DispatchOrder, f.LayerOrder, string(f.CheckpointState), f.Host, f.Cores, f.Memory, f.Gpus,
		f.GpuMemory, f.UsedMemory, f.MaxRss, timestamptz(f.TsStarted), timestamptz(f.TsStopped), tsUpdated)
	return err
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

// upsert renders an insert that overwrites every column but the id on conflict.
func upsert(table string, columns []string) string {
	updates := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		updates = append(updates, c+" = excluded."+c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, selectList(columns), placeholders(len(columns)), strings.Join(updates, ", "))
}
