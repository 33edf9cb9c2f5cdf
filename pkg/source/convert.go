package source

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

// MapConverter converts raw records into features of one declared schema.
// Values are coerced to the declared attribute types; the mapping options
// pick out the identifier, geometry, and visibility columns.
type MapConverter struct {
	schema *feature.Schema
}

// NewMapConverter creates a converter bound to a declared schema.
func NewMapConverter(schema *feature.Schema) *MapConverter {
	return &MapConverter{schema: schema}
}

// Schema implements Converter.
func (c *MapConverter) Schema(*RawRecord) (*feature.Schema, error) {
	return c.schema, nil
}

// Convert implements Converter.
func (c *MapConverter) Convert(raw *RawRecord, cfg *config.IngestConfig) (*feature.Feature, error) {
	id, err := c.featureID(raw, cfg)
	if err != nil {
		return nil, err
	}
	f := feature.NewFeature(c.schema.TypeName, id)
	f.Timestamp = time.Now()

	for _, attr := range c.schema.Attributes {
		value, ok := raw.Values[attr.Name]
		if !ok {
			continue
		}
		coerced, err := coerce(value, attr.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConversion,
				"failed to convert attribute value").
				WithDetail("attribute", attr.Name).
				WithDetail("record", raw.String())
		}
		f.Attributes[attr.Name] = coerced
	}

	for _, col := range cfg.Mapping.GeometryColumns {
		if value, ok := raw.Values[col]; ok {
			// Geometry values are carried opaquely; parsing belongs
			// to the storage engine
			f.Geometry = value
			break
		}
	}
	if f.Geometry == nil {
		if geom := c.schema.DefaultGeometry(); geom != nil {
			if value, ok := f.Attributes[geom.Name]; ok {
				f.Geometry = value
			}
		}
	}

	if col := cfg.Mapping.VisibilityColumn; col != "" {
		if value, ok := raw.Values[col]; ok {
			f.Visibility = fmt.Sprint(value)
		}
	}

	return f, nil
}

// featureID resolves the feature identifier: the configured column when
// set, a generated UUID otherwise.
func (c *MapConverter) featureID(raw *RawRecord, cfg *config.IngestConfig) (string, error) {
	col := cfg.Mapping.FeatureIDColumn
	if col == "" {
		return uuid.NewString(), nil
	}
	value, ok := raw.Values[col]
	if !ok || value == nil || fmt.Sprint(value) == "" {
		return "", errors.Newf(errors.ErrorTypeConversion,
			"feature id column %q is missing or empty", col).
			WithDetail("record", raw.String())
	}
	return fmt.Sprint(value), nil
}

// coerce converts a raw value to the declared attribute type.
func coerce(value interface{}, t feature.AttributeType) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch t {
	case feature.TypeString, feature.TypeGeometry:
		return fmt.Sprint(value), nil

	case feature.TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}

	case feature.TypeFloat:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(v, 64)
		}

	case feature.TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}

	case feature.TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			return time.Parse(time.RFC3339, v)
		}

	case feature.TypeBinary:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	}

	return nil, fmt.Errorf("cannot coerce %T to %s", value, t)
}
