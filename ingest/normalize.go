package ingest

import (
	"go.uber.org/zap"

	"github.com/graphloom/loom/extract"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
)

// Normalize turns raw extraction output into a deduplicated mutation batch
// keyed by canonical IDs. Deterministic: the same extraction result always
// yields the same batch, so a retried job stages identical mutations.
func Normalize(result *extract.Result, log *zap.SugaredLogger) (*graphstore.Mutations, error) {
	if result == nil {
		return nil, faults.Markf(faults.Permanent, "normalize", "nil extraction result")
	}

	m := &graphstore.Mutations{}
	byID := make(map[string]int)      // canonical ID -> index in m.Nodes
	byName := make(map[string]string) // canonical name -> canonical ID

	for _, e := range result.Entities {
		id := graphstore.CanonicalID(e.Kind, e.Name)
		canonName := graphstore.CanonicalName(e.Name)

		if idx, seen := byID[id]; seen {
			// Duplicate mention: keep the higher-confidence one, merge attributes
			existing := &m.Nodes[idx]
			if e.Confidence > existing.Confidence {
				existing.Confidence = e.Confidence
				existing.Name = e.Name
			}
			for k, v := range e.Attributes {
				if _, ok := existing.Attributes[k]; !ok {
					if existing.Attributes == nil {
						existing.Attributes = make(map[string]string)
					}
					existing.Attributes[k] = v
				}
			}
			continue
		}

		byID[id] = len(m.Nodes)
		byName[canonName] = id
		m.Nodes = append(m.Nodes, graphstore.Node{
			ID:         id,
			Kind:       e.Kind,
			Name:       e.Name,
			Attributes: e.Attributes,
			Confidence: e.Confidence,
			SourceRef:  result.SourceRef,
		})
	}

	seenEdges := make(map[string]struct{})
	dropped := 0
	for _, r := range result.Relationships {
		subj, sok := byName[graphstore.CanonicalName(r.Subject)]
		obj, ook := byName[graphstore.CanonicalName(r.Object)]
		if !sok || !ook {
			// Relationship references an entity the extractor never produced
			dropped++
			continue
		}
		if subj == obj {
			dropped++
			continue
		}

		key := subj + "|" + r.Predicate + "|" + obj
		if _, dup := seenEdges[key]; dup {
			continue
		}
		seenEdges[key] = struct{}{}

		m.Edges = append(m.Edges, graphstore.Edge{
			Subject:    subj,
			Predicate:  r.Predicate,
			Object:     obj,
			Confidence: r.Confidence,
			SourceRef:  result.SourceRef,
		})
	}

	if dropped > 0 {
		log.Warnw("dropped unresolvable relationships",
			"source_ref", result.SourceRef,
			"dropped", dropped,
			"kept", len(m.Edges))
	}

	return m, nil
}
