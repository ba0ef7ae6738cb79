package schema

import "encoding/json"

// Prop keys shared by canvas objects.
const (
	// PropTurnID tags canvas objects that project a turn.
	PropTurnID = "turnId"
	// PropW is an object's width.
	PropW = "w"
	// PropH is an object's height.
	PropH = "h"
)

// Object is a positioned, typed canvas object.
type Object struct {
	ID    ObjectID       `json:"id"`
	Kind  ObjectKind     `json:"kind"`
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
	Props map[string]any `json:"props"`
}

// Bounds returns the object's rectangle using its w/h props.
func (o Object) Bounds() Rect {
	return Rect{X: o.X, Y: o.Y, W: PropFloat(o.Props, PropW), H: PropFloat(o.Props, PropH)}
}

// TurnID returns the turn id tag recorded on the object, if any.
func (o Object) TurnID() TurnID {
	if o.Props == nil {
		return ""
	}
	switch v := o.Props[PropTurnID].(type) {
	case string:
		return TurnID(v)
	case TurnID:
		return v
	default:
		return ""
	}
}

// PropFloat reads a numeric prop regardless of its decoded representation.
func PropFloat(props map[string]any, key string) float64 {
	if props == nil {
		return 0
	}
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// CardProps is the payload of an agent-card canvas object.
type CardProps struct {
	TurnID      TurnID           `json:"turnId"`
	Segments    []SegmentPayload `json:"segments"`
	Streaming   bool             `json:"streaming"`
	Result      *Usage           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Interrupted bool             `json:"interrupted,omitempty"`
	W           float64          `json:"w"`
	H           float64          `json:"h"`
}

// CardPropsFromTurn builds the card payload for an assistant turn.
func CardPropsFromTurn(turn Turn, w, h float64) CardProps {
	return CardProps{
		TurnID:      turn.ID,
		Segments:    EncodeSegments(turn.Segments),
		Streaming:   turn.Streaming,
		Result:      turn.Result,
		Error:       turn.Error,
		Interrupted: turn.Interrupted,
		W:           w,
		H:           h,
	}
}

// Map converts the card payload into a generic prop map.
func (c CardProps) Map() map[string]any {
	data, err := json.Marshal(c)
	if err != nil {
		return map[string]any{PropTurnID: string(c.TurnID)}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{PropTurnID: string(c.TurnID)}
	}
	return out
}

// CardPropsFromMap decodes a generic prop map into a card payload.
func CardPropsFromMap(props map[string]any) (CardProps, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return CardProps{}, err
	}
	var out CardProps
	if err := json.Unmarshal(data, &out); err != nil {
		return CardProps{}, err
	}
	return out, nil
}
