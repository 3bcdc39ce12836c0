package hostsim

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"math"
	"strings"
)

// meshData is one object's triangle soup, ready for encoding.
type meshData struct {
	name string
	tris [][3][3]float64
}

// boxTriangles triangulates an axis-aligned box into the 12 triangles a
// real exporter would produce for it.
func boxTriangles(min, max [3]float64) [][3][3]float64 {
	c := [8][3]float64{
		{min[0], min[1], min[2]}, {max[0], min[1], min[2]},
		{max[0], max[1], min[2]}, {min[0], max[1], min[2]},
		{min[0], min[1], max[2]}, {max[0], min[1], max[2]},
		{max[0], max[1], max[2]}, {min[0], max[1], max[2]},
	}
	idx := [12][3]int{
		{0, 1, 2}, {0, 2, 3},
		{4, 6, 5}, {4, 7, 6},
		{0, 4, 5}, {0, 5, 1},
		{1, 5, 6}, {1, 6, 2},
		{2, 6, 7}, {2, 7, 3},
		{3, 7, 4}, {3, 4, 0},
	}
	tris := make([][3][3]float64, 0, len(idx))
	for _, t := range idx {
		tris = append(tris, [3][3]float64{c[t[0]], c[t[1]], c[t[2]]})
	}
	return tris
}

// meshStats is what the importer learns about a file.
type meshStats struct {
	Vertices  int
	Triangles int
	Min, Max  [3]float64
}

func newMeshStats() meshStats {
	return meshStats{
		Min: [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
}

func (s *meshStats) observe(v [3]float64) {
	for i := 0; i < 3; i++ {
		s.Min[i] = math.Min(s.Min[i], v[i])
		s.Max[i] = math.Max(s.Max[i], v[i])
	}
}

// encodeSTL writes the binary STL layout: 80-byte header, uint32 triangle
// count, then 50 bytes per triangle (normal, three vertices, attribute).
func encodeSTL(meshes []meshData) []byte {
	var buf bytes.Buffer
	var header [80]byte
	copy(header[:], "meshbridge binary STL export")
	buf.Write(header[:])

	total := 0
	for _, m := range meshes {
		total += len(m.tris)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(total))

	for _, m := range meshes {
		for _, tri := range m.tris {
			var normal [3]float32
			_ = binary.Write(&buf, binary.LittleEndian, normal)
			for _, v := range tri {
				_ = binary.Write(&buf, binary.LittleEndian, [3]float32{float32(v[0]), float32(v[1]), float32(v[2])})
			}
			_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
		}
	}
	return buf.Bytes()
}

func decodeSTL(data []byte) (meshStats, error) {
	stats := newMeshStats()
	if looksASCIISTL(data) {
		return decodeASCIISTL(data)
	}
	if len(data) < 84 {
		return stats, fmt.Errorf("STL too short: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[80:84]))
	if want := 84 + count*50; len(data) < want {
		return stats, fmt.Errorf("truncated STL: have %d bytes, need %d for %d triangles", len(data), want, count)
	}
	for i := 0; i < count; i++ {
		base := 84 + i*50 + 12 // skip the normal
		for j := 0; j < 3; j++ {
			off := base + j*12
			v := [3]float64{
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+8:]))),
			}
			stats.observe(v)
		}
	}
	stats.Vertices = count * 3
	stats.Triangles = count
	return stats, nil
}

// looksASCIISTL sniffs the "solid" keyword plus a facet line, since binary
// files are allowed to start with "solid" too.
func looksASCIISTL(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(bytes.TrimSpace(head), []byte("solid")) &&
		bytes.Contains(head, []byte("facet"))
}

func decodeASCIISTL(data []byte) (meshStats, error) {
	stats := newMeshStats()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "vertex") {
			continue
		}
		var v [3]float64
		if _, err := fmt.Sscanf(line, "vertex %f %f %f", &v[0], &v[1], &v[2]); err != nil {
			return stats, fmt.Errorf("bad STL vertex line %q: %v", line, err)
		}
		stats.observe(v)
		stats.Vertices++
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	stats.Triangles = stats.Vertices / 3
	return stats, nil
}

func encodeOBJ(meshes []meshData) []byte {
	var buf bytes.Buffer
	buf.WriteString("# exported by meshbridge\n")
	offset := 1
	for _, m := range meshes {
		fmt.Fprintf(&buf, "o %s\n", m.name)
		for _, tri := range m.tris {
			for _, v := range tri {
				fmt.Fprintf(&buf, "v %g %g %g\n", v[0], v[1], v[2])
			}
		}
		for i := range m.tris {
			fmt.Fprintf(&buf, "f %d %d %d\n", offset+i*3, offset+i*3+1, offset+i*3+2)
		}
		offset += len(m.tris) * 3
	}
	return buf.Bytes()
}

func decodeOBJ(data []byte) (meshStats, error) {
	stats := newMeshStats()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "v "):
			var v [3]float64
			if _, err := fmt.Sscanf(line, "v %f %f %f", &v[0], &v[1], &v[2]); err != nil {
				return stats, fmt.Errorf("bad OBJ vertex line %q: %v", line, err)
			}
			stats.observe(v)
			stats.Vertices++
		case strings.HasPrefix(line, "f "):
			stats.Triangles++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// 3MF model document, per the 3D manufacturing core schema.
type threeMFModel struct {
	XMLName   xml.Name         `xml:"model"`
	Xmlns     string           `xml:"xmlns,attr"`
	Unit      string           `xml:"unit,attr"`
	Resources threeMFResources `xml:"resources"`
	Build     threeMFBuild     `xml:"build"`
}

type threeMFResources struct {
	Objects []threeMFObject `xml:"object"`
}

type threeMFObject struct {
	ID   int         `xml:"id,attr"`
	Type string      `xml:"type,attr"`
	Name string      `xml:"name,attr,omitempty"`
	Mesh threeMFMesh `xml:"mesh"`
}

type threeMFMesh struct {
	Vertices  threeMFVertices  `xml:"vertices"`
	Triangles threeMFTriangles `xml:"triangles"`
}

type threeMFVertices struct {
	V []threeMFVertex `xml:"vertex"`
}

type threeMFVertex struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

type threeMFTriangles struct {
	T []threeMFTriangle `xml:"triangle"`
}

type threeMFTriangle struct {
	V1 int `xml:"v1,attr"`
	V2 int `xml:"v2,attr"`
	V3 int `xml:"v3,attr"`
}

type threeMFBuild struct {
	Items []threeMFItem `xml:"item"`
}

type threeMFItem struct {
	ObjectID int `xml:"objectid,attr"`
}

const (
	threeMFContentTypes = `<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
 <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
 <Default Extension="model" ContentType="application/vnd.ms-package.3dmanufacturing-3dmodel+xml"/>
</Types>
`
	threeMFRels = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
 <Relationship Target="/3D/3dmodel.model" Id="rel-1" Type="http://schemas.microsoft.com/3dmanufacturing/2013/01/3dmodel"/>
</Relationships>
`
)

// encode3MF packs the model into the OPC zip container with the three
// entries every consumer expects.
func encode3MF(meshes []meshData) ([]byte, error) {
	model := threeMFModel{
		Xmlns: "http://schemas.microsoft.com/3dmanufacturing/core/2015/02",
		Unit:  "millimeter",
	}
	for i, m := range meshes {
		obj := threeMFObject{ID: i + 1, Type: "model", Name: m.name}
		index := map[[3]float64]int{}
		for _, tri := range m.tris {
			var ids [3]int
			for j, v := range tri {
				id, ok := index[v]
				if !ok {
					id = len(obj.Mesh.Vertices.V)
					index[v] = id
					obj.Mesh.Vertices.V = append(obj.Mesh.Vertices.V, threeMFVertex{X: v[0], Y: v[1], Z: v[2]})
				}
				ids[j] = id
			}
			obj.Mesh.Triangles.T = append(obj.Mesh.Triangles.T, threeMFTriangle{V1: ids[0], V2: ids[1], V3: ids[2]})
		}
		model.Resources.Objects = append(model.Resources.Objects, obj)
		model.Build.Items = append(model.Build.Items, threeMFItem{ObjectID: obj.ID})
	}

	doc, err := xml.MarshalIndent(model, "", " ")
	if err != nil {
		return nil, fmt.Errorf("encoding 3MF model: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		body []byte
	}{
		{"[Content_Types].xml", []byte(threeMFContentTypes)},
		{"_rels/.rels", []byte(threeMFRels)},
		{"3D/3dmodel.model", append([]byte(xml.Header), doc...)},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("creating 3MF entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.body); err != nil {
			return nil, fmt.Errorf("writing 3MF entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing 3MF archive: %w", err)
	}
	return buf.Bytes(), nil
}

func decode3MF(data []byte) (meshStats, error) {
	stats := newMeshStats()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return stats, fmt.Errorf("opening 3MF archive: %w", err)
	}
	var modelEntry *zip.File
	for _, f := range zr.File {
		if f.Name == "3D/3dmodel.model" {
			modelEntry = f
			break
		}
	}
	if modelEntry == nil {
		return stats, fmt.Errorf("3MF archive has no 3D/3dmodel.model entry")
	}
	rc, err := modelEntry.Open()
	if err != nil {
		return stats, fmt.Errorf("opening 3MF model entry: %w", err)
	}
	defer rc.Close()

	var model threeMFModel
	if err := xml.NewDecoder(rc).Decode(&model); err != nil {
		return stats, fmt.Errorf("decoding 3MF model: %w", err)
	}
	for _, obj := range model.Resources.Objects {
		for _, v := range obj.Mesh.Vertices.V {
			stats.observe([3]float64{v.X, v.Y, v.Z})
			stats.Vertices++
		}
		stats.Triangles += len(obj.Mesh.Triangles.T)
	}
	return stats, nil
}
