package artifact

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrNoLabels is returned when a label document parses but holds no labels.
var ErrNoLabels = errors.New("label list is empty")

// ParseLabels accepts either a bare JSON array of strings, or an object with a
// "classes" or "names" member. "names" may also be an index-keyed object, the
// way YOLO exports write it ({"0": "angry", "1": "happy"}).
func ParseLabels(data []byte) ([]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("label list is not valid JSON")
	}

	doc := gjson.ParseBytes(data)
	var list gjson.Result
	switch {
	case doc.IsArray():
		list = doc
	case doc.Get("classes").Exists():
		list = doc.Get("classes")
	case doc.Get("names").Exists():
		list = doc.Get("names")
	default:
		return nil, fmt.Errorf("label list must be an array or have a classes/names member")
	}

	var labels []string
	switch {
	case list.IsArray():
		for i, v := range list.Array() {
			if v.Type != gjson.String {
				return nil, fmt.Errorf("label %d is %s, want string", i, v.Type)
			}
			labels = append(labels, v.String())
		}
	case list.IsObject():
		m := list.Map()
		labels = make([]string, len(m))
		for i := range labels {
			v, ok := m[fmt.Sprint(i)]
			if !ok {
				return nil, fmt.Errorf("names object is missing index %d", i)
			}
			labels[i] = v.String()
		}
	default:
		return nil, fmt.Errorf("label list has unexpected type %s", list.Type)
	}

	if len(labels) == 0 {
		return nil, ErrNoLabels
	}
	return labels, nil
}
