// Package schemasassets embeds the JSON schemas for API request bodies so
// validation works in installed binaries regardless of working directory.
package schemasassets

import _ "embed"

// TrainingRequestSchema validates POST /api/training bodies.
//
//go:embed training-request.schema.json
var TrainingRequestSchema []byte

// StatusUpdateSchema validates worker status pushes on the internal routes.
//
//go:embed status-update.schema.json
var StatusUpdateSchema []byte
