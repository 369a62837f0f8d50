package memdb

import (
	"github.com/hashicorp/go-memdb"
)

const (
	hostsTable         = "hosts"
	hostLocalsTable    = "host_locals"
	subscriptionsTable = "subscriptions"
	foldersTable       = "folders"
	pointsTable        = "points"
	limitsTable        = "limits"
	jobsTable          = "jobs"
	layersTable        = "layers"
	framesTable        = "frames"
	procsTable         = "procs"
	dependsTable       = "depends"

	idIndex         = "id"
	hostIndex       = "host"
	jobIndex        = "job"
	showIndex       = "show"
	allocIndex      = "alloc"
	layerIndex      = "layer"
	layerStateIndex = "layer_state" // frames of a layer in a given state
	limitIndex      = "limit"       // layers referencing a limit
	frameIndex      = "frame"
	signatureIndex  = "signature"
	erJobIndex      = "er_job"
	erLayerIndex    = "er_layer"
	erFrameIndex    = "er_frame"
	onJobIndex      = "on_job"
	onLayerIndex    = "on_layer"
	onFrameIndex    = "on_frame"
	parentIndex     = "parent"
)

func idIndexSchema() *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
}

// fieldIndexSchema indexes an optional string field. Rows with an empty value are left out of the index.
func fieldIndexSchema(name, field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:         name,
		AllowMissing: true,
		Indexer:      &memdb.StringFieldIndex{Field: field},
	}
}

func tableSchema(name string, indexes ...*memdb.IndexSchema) *memdb.TableSchema {
	schema := &memdb.TableSchema{
		Name:    name,
		Indexes: map[string]*memdb.IndexSchema{idIndex: idIndexSchema()},
	}
	for _, index := range indexes {
		schema.Indexes[index.Name] = index
	}
	return schema
}

func dbSchema() *memdb.DBSchema {
	tables := []*memdb.TableSchema{
		tableSchema(hostsTable),
		tableSchema(hostLocalsTable,
			fieldIndexSchema(hostIndex, "HostId"),
			fieldIndexSchema(jobIndex, "JobId"),
		),
		tableSchema(subscriptionsTable,
			fieldIndexSchema(allocIndex, "AllocId"),
			fieldIndexSchema(showIndex, "ShowId"),
		),
		tableSchema(foldersTable),
		tableSchema(pointsTable),
		tableSchema(limitsTable),
		tableSchema(jobsTable,
			fieldIndexSchema(showIndex, "ShowId"),
		),
		tableSchema(layersTable,
			fieldIndexSchema(jobIndex, "JobId"),
			&memdb.IndexSchema{
				Name:         limitIndex,
				AllowMissing: true,
				Indexer:      &memdb.StringSliceFieldIndex{Field: "LimitIds"},
			},
		),
		tableSchema(framesTable,
			fieldIndexSchema(jobIndex, "JobId"),
			fieldIndexSchema(layerIndex, "LayerId"),
			&memdb.IndexSchema{
				Name: layerStateIndex,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "LayerId"},
						&memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		),
		tableSchema(procsTable,
			fieldIndexSchema(frameIndex, "FrameId"),
			fieldIndexSchema(hostIndex, "HostId"),
			fieldIndexSchema(jobIndex, "JobId"),
		),
		tableSchema(dependsTable,
			fieldIndexSchema(signatureIndex, "Signature"),
			fieldIndexSchema(erJobIndex, "ErJobId"),
			fieldIndexSchema(erLayerIndex, "ErLayerId"),
			fieldIndexSchema(erFrameIndex, "ErFrameId"),
			fieldIndexSchema(onJobIndex, "OnJobId"),
			fieldIndexSchema(onLayerIndex, "OnLayerId"),
			fieldIndexSchema(onFrameIndex, "OnFrameId"),
			fieldIndexSchema(parentIndex, "ParentId"),
		),
	}
	schema := &memdb.DBSchema{Tables: make(map[string]*memdb.TableSchema, len(tables))}
	for _, table := range tables {
		schema.Tables[table.Name] = table
	}
	return schema
}
