package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EncodeJSON serializes v as compact JSON, preserving map insertion order.
func EncodeJSON(v Value) (string, error) {
	var sb strings.Builder
	if err := appendJSON(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func appendJSON(sb *strings.Builder, v Value) error {
	switch v.Kind() {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.boolV))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.intV, 10))
	case KindFloat:
		b, err := json.Marshal(v.fltV)
		if err != nil {
			return err
		}
		sb.Write(b)
	case KindString, KindBytes:
		b, err := json.Marshal(string(v.BytesVal()))
		if err != nil {
			return err
		}
		sb.Write(b)
	case KindSeq:
		sb.WriteByte('[')
		for i, e := range v.seqV {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := appendJSON(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i := 0; i < v.mapV.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			k, e := v.mapV.At(i)
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := appendJSON(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("cannot serialize %s as JSON", v.TypeName())
	}
	return nil
}

// EncodeYAML serializes v as block-form YAML, preserving map insertion order.
func EncodeYAML(v Value) (string, error) {
	node, err := toYAMLNode(v)
	if err != nil {
		return "", err
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func toYAMLNode(v Value) (*yaml.Node, error) {
	n := &yaml.Node{}
	switch v.Kind() {
	case KindNull:
		n.Kind = yaml.ScalarNode
		n.Tag = "!!null"
		n.Value = "null"
	case KindBool:
		n.Kind = yaml.ScalarNode
		n.Tag = "!!bool"
		n.Value = strconv.FormatBool(v.boolV)
	case KindInt:
		n.Kind = yaml.ScalarNode
		n.Tag = "!!int"
		n.Value = strconv.FormatInt(v.intV, 10)
	case KindFloat:
		n.Kind = yaml.ScalarNode
		n.Tag = "!!float"
		n.Value = strconv.FormatFloat(v.fltV, 'g', -1, 64)
	case KindString, KindBytes:
		n.Kind = yaml.ScalarNode
		n.Tag = "!!str"
		n.Value = string(v.BytesVal())
	case KindSeq:
		n.Kind = yaml.SequenceNode
		for _, e := range v.seqV {
			c, err := toYAMLNode(e)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, c)
		}
	case KindMap:
		n.Kind = yaml.MappingNode
		for i := 0; i < v.mapV.Len(); i++ {
			k, e := v.mapV.At(i)
			kn := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			vn, err := toYAMLNode(e)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, kn, vn)
		}
	default:
		return nil, fmt.Errorf("cannot serialize %s as YAML", v.TypeName())
	}
	return n, nil
}

// FromYAMLNode converts a decoded YAML node into a Value, resolving aliases
// and preserving mapping order.
func FromYAMLNode(n *yaml.Node) (Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return FromYAMLNode(n.Content[0])
	case yaml.AliasNode:
		return FromYAMLNode(n.Alias)
	case yaml.ScalarNode:
		return scalarFromYAML(n)
	case yaml.SequenceNode:
		vs := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := FromYAMLNode(c)
			if err != nil {
				return Value{}, err
			}
			vs = append(vs, v)
		}
		return Seq(vs...), nil
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind == yaml.AliasNode {
				k = k.Alias
			}
			v, err := FromYAMLNode(n.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			m.Set(k.Value, v)
		}
		return FromMap(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported YAML node kind %d", n.Kind)
	}
}

func scalarFromYAML(n *yaml.Node) (Value, error) {
	switch n.Tag {
	case "!!null":
		return Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q: %w", n.Value, err)
		}
		return Bool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int %q: %w", n.Value, err)
		}
		return Int(i), nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q: %w", n.Value, err)
		}
		return Float(f), nil
	default:
		return String(n.Value), nil
	}
}
