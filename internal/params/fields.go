package params

import (
	"fmt"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/store"
)

const (
	FieldNumProc              = "num_proc"
	FieldBackend              = "backend"
	FieldStore                = "store"
	FieldModel                = "model"
	FieldOptimizer            = "optimizer"
	FieldLoss                 = "loss"
	FieldLossConstructors     = "loss_constructors"
	FieldLossWeights          = "loss_weights"
	FieldMetrics              = "metrics"
	FieldCallbacks            = "callbacks"
	FieldFeatureCols          = "feature_cols"
	FieldLabelCols            = "label_cols"
	FieldSampleWeightCol      = "sample_weight_col"
	FieldValidation           = "validation"
	FieldBatchSize            = "batch_size"
	FieldEpochs               = "epochs"
	FieldValidationSplit      = "validation_split"
	FieldShuffleBufferSize    = "shuffle_buffer_size"
	FieldVerbose              = "verbose"
	FieldPartitionsPerProcess = "partitions_per_process"
	FieldRunID                = "run_id"
	FieldInputShapes          = "input_shapes"
	FieldOutputShapes         = "output_shapes"
	FieldCompression          = "gradient_compression"
	FieldStrictConsistency    = "strict_consistency"
)

type field struct {
	get      func(p *EstimatorParams) any
	set      func(p *EstimatorParams, v any) error
	envBound bool
}

var fields = map[string]field{
	FieldNumProc: {
		get: func(p *EstimatorParams) any {
			if p.NumProc == nil {
				return nil
			}
			return *p.NumProc
		},
		set: func(p *EstimatorParams, v any) (err error) {
			p.NumProc, err = toOptionalInt(v)
			return err
		},
	},
	FieldBackend: {
		get: func(p *EstimatorParams) any { return p.Backend },
		set: func(p *EstimatorParams, v any) error {
			if v == nil {
				p.Backend = nil
				return nil
			}
			b, ok := v.(backend.Backend)
			if !ok {
				return fmt.Errorf("expected execution backend, got %T", v)
			}
			p.Backend = b
			return nil
		},
		envBound: true,
	},
	FieldStore: {
		get: func(p *EstimatorParams) any { return p.Store },
		set: func(p *EstimatorParams, v any) error {
			if v == nil {
				p.Store = nil
				return nil
			}
			s, ok := v.(store.Store)
			if !ok {
				return fmt.Errorf("expected store, got %T", v)
			}
			p.Store = s
			return nil
		},
		envBound: true,
	},
	FieldModel: {
		get: func(p *EstimatorParams) any { return p.Model },
		set: func(p *EstimatorParams, v any) error {
			if v == nil {
				p.Model = nil
				return nil
			}
			m, ok := v.(numeric.Model)
			if !ok {
				return fmt.Errorf("expected model, got %T", v)
			}
			p.Model = m
			return nil
		},
	},
	FieldOptimizer: {
		get: func(p *EstimatorParams) any { return p.Optimizer },
		set: func(p *EstimatorParams, v any) error {
			if v == nil {
				p.Optimizer = nil
				return nil
			}
			o, ok := v.(numeric.Optimizer)
			if !ok {
				return fmt.Errorf("expected optimizer, got %T", v)
			}
			p.Optimizer = o
			return nil
		},
	},
	FieldLoss:             stringsField(func(p *EstimatorParams) *[]string { return &p.Loss }),
	FieldLossConstructors: stringsField(func(p *EstimatorParams) *[]string { return &p.LossConstructors }),
	FieldMetrics:          stringsField(func(p *EstimatorParams) *[]string { return &p.Metrics }),
	FieldCallbacks:        stringsField(func(p *EstimatorParams) *[]string { return &p.Callbacks }),
	FieldFeatureCols:      stringsField(func(p *EstimatorParams) *[]string { return &p.FeatureCols }),
	FieldLabelCols:        stringsField(func(p *EstimatorParams) *[]string { return &p.LabelCols }),
	FieldLossWeights: {
		get: func(p *EstimatorParams) any { return p.LossWeights },
		set: func(p *EstimatorParams, v any) (err error) {
			p.LossWeights, err = toFloats(v)
			return err
		},
	},
	FieldSampleWeightCol:      stringField(func(p *EstimatorParams) *string { return &p.SampleWeightCol }),
	FieldValidation:           stringField(func(p *EstimatorParams) *string { return &p.ValidationCol }),
	FieldRunID:                stringField(func(p *EstimatorParams) *string { return &p.RunID }),
	FieldCompression:          stringField(func(p *EstimatorParams) *string { return &p.Compression }),
	FieldBatchSize:            intField(func(p *EstimatorParams) *int { return &p.BatchSize }),
	FieldEpochs:               intField(func(p *EstimatorParams) *int { return &p.Epochs }),
	FieldShuffleBufferSize:    intField(func(p *EstimatorParams) *int { return &p.ShuffleBufferSize }),
	FieldVerbose:              intField(func(p *EstimatorParams) *int { return &p.Verbose }),
	FieldPartitionsPerProcess: intField(func(p *EstimatorParams) *int { return &p.PartitionsPerProcess }),
	FieldValidationSplit: {
		get: func(p *EstimatorParams) any { return p.ValidationSplit },
		set: func(p *EstimatorParams, v any) (err error) {
			p.ValidationSplit, err = toFloat(v)
			return err
		},
	},
	FieldInputShapes:  shapesField(func(p *EstimatorParams) *[][]int { return &p.InputShapes }),
	FieldOutputShapes: shapesField(func(p *EstimatorParams) *[][]int { return &p.OutputShapes }),
	FieldStrictConsistency: {
		get: func(p *EstimatorParams) any { return p.StrictConsistency },
		set: func(p *EstimatorParams, v any) (err error) {
			p.StrictConsistency, err = toBool(v)
			return err
		},
	},
}

func stringsField(ref func(p *EstimatorParams) *[]string) field {
	return field{
		get: func(p *EstimatorParams) any { return *ref(p) },
		set: func(p *EstimatorParams, v any) error {
			values, err := toStrings(v)
			if err != nil {
				return err
			}
			*ref(p) = values
			return nil
		},
	}
}

func stringField(ref func(p *EstimatorParams) *string) field {
	return field{
		get: func(p *EstimatorParams) any { return *ref(p) },
		set: func(p *EstimatorParams, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			*ref(p) = s
			return nil
		},
	}
}

func intField(ref func(p *EstimatorParams) *int) field {
	return field{
		get: func(p *EstimatorParams) any { return *ref(p) },
		set: func(p *EstimatorParams, v any) error {
			n, err := toInt(v)
			if err != nil {
				return err
			}
			*ref(p) = n
			return nil
		},
	}
}

func shapesField(ref func(p *EstimatorParams) *[][]int) field {
	return field{
		get: func(p *EstimatorParams) any { return cloneShapes(*ref(p)) },
		set: func(p *EstimatorParams, v any) error {
			shapes, err := toShapes(v)
			if err != nil {
				return err
			}
			*ref(p) = shapes
			return nil
		},
	}
}
