package dataset

// Text IO for detections and ground-truth labels. One file per image,
// named <image_id>.txt, grouped into one directory per pipeline stage
// (raw/nms/refined). Two line formats are accepted for detections:
//
//	class_id cx cy w h confidence                      (axis-aligned)
//	class_name confidence x1 y1 x2 y2 x3 y3 x4 y4      (oriented quad)
//
// Ground-truth labels use the five-token axis-aligned form without a
// confidence. Lines that fail to parse are skipped and counted; the file
// continues.

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/utils"
)

// ClassMap translates between the numeric class ids used in axis-aligned
// files and class names.
type ClassMap struct {
	names map[int]string
	ids   map[string]int
}

// NewClassMap builds a ClassMap from an id-to-name mapping.
func NewClassMap(names map[int]string) ClassMap {
	ids := make(map[string]int, len(names))
	for id, name := range names {
		ids[name] = id
	}
	return ClassMap{names: names, ids: ids}
}

// DefaultClassMap returns the aerial imagery class set used when a config
// does not supply one.
func DefaultClassMap() ClassMap {
	return NewClassMap(map[int]string{
		0:  "plane",
		1:  "ship",
		2:  "storage_tank",
		3:  "baseball_diamond",
		4:  "tennis_court",
		5:  "basketball_court",
		6:  "ground_track_field",
		7:  "harbor",
		8:  "bridge",
		9:  "large_vehicle",
		10: "small_vehicle",
		11: "helicopter",
		12: "roundabout",
		13: "soccer_ball_field",
		14: "swimming_pool",
	})
}

// Name returns the class name for an id, or "class_<id>" when unmapped.
func (m ClassMap) Name(id int) string {
	if name, ok := m.names[id]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", id)
}

// ID returns the class id for a name, or -1 when unmapped.
func (m ClassMap) ID(name string) int {
	if id, ok := m.ids[name]; ok {
		return id
	}
	return -1
}

// ParseDetections reads every .txt file in dir into per-image detection
// sets keyed by image id (the file stem). The returned count is the total
// number of skipped malformed lines.
func ParseDetections(dir, stage string, classes ClassMap) (map[string][]models.Detection, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to read detections directory %s: %w", dir, err)
	}

	logger := utils.GetLogger()
	predictions := make(map[string][]models.Detection)
	totalSkipped := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".txt") {
			continue
		}
		imageID := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		detections, skipped, err := parseDetectionFile(filepath.Join(dir, entry.Name()), imageID, stage, classes)
		if err != nil {
			return nil, totalSkipped, err
		}
		if skipped > 0 {
			logger.Warn("skipped malformed detection lines",
				"image", imageID,
				"count", skipped)
			totalSkipped += skipped
		}
		if len(detections) > 0 {
			predictions[imageID] = detections
		}
	}
	return predictions, totalSkipped, nil
}

func parseDetectionFile(path, imageID, stage string, classes ClassMap) ([]models.Detection, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to open detection file %s: %w", path, err)
	}
	defer file.Close()

	var detections []models.Detection
	skipped := 0
	idx := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		det, ok := parseDetectionLine(line, classes)
		if !ok {
			skipped++
			continue
		}
		det.ID = fmt.Sprintf("det_%d", idx)
		det.ImageID = imageID
		det.Stage = stage
		detections = append(detections, det)
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("error reading detection file %s: %w", path, err)
	}
	return detections, skipped, nil
}

func parseDetectionLine(line string, classes ClassMap) (models.Detection, bool) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 6:
		values, ok := parseFloats(fields)
		if !ok {
			return models.Detection{}, false
		}
		classID := int(values[0])
		conf := values[5]
		if conf < 0 || conf > 1 {
			return models.Detection{}, false
		}
		return models.Detection{
			ClassID:    classID,
			ClassName:  classes.Name(classID),
			Confidence: conf,
			Box:        geometry.FromCenter(values[1], values[2], values[3], values[4]),
		}, true
	case 10:
		conf, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || conf < 0 || conf > 1 {
			return models.Detection{}, false
		}
		coords, ok := parseFloats(fields[2:])
		if !ok {
			return models.Detection{}, false
		}
		var quad geometry.Quad
		for i := 0; i < 4; i++ {
			quad[i] = geometry.Point{X: coords[2*i], Y: coords[2*i+1]}
		}
		className := fields[0]
		return models.Detection{
			ClassID:    classes.ID(className),
			ClassName:  className,
			Confidence: conf,
			Box:        quad,
		}, true
	default:
		return models.Detection{}, false
	}
}

// ParseGroundTruth reads five-token label files (class id plus YOLO centre
// box) from dir.
func ParseGroundTruth(dir string, classes ClassMap) (map[string][]models.Detection, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to read ground truth directory %s: %w", dir, err)
	}

	logger := utils.GetLogger()
	truth := make(map[string][]models.Detection)
	totalSkipped := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".txt") {
			continue
		}
		imageID := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		file, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, totalSkipped, fmt.Errorf("unable to open label file: %w", err)
		}
		skipped := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 5 {
				skipped++
				continue
			}
			values, ok := parseFloats(fields)
			if !ok {
				skipped++
				continue
			}
			classID := int(values[0])
			truth[imageID] = append(truth[imageID], models.Detection{
				ClassID:   classID,
				ClassName: classes.Name(classID),
				Box:       geometry.FromCenter(values[1], values[2], values[3], values[4]),
				ImageID:   imageID,
			})
		}
		scanErr := scanner.Err()
		file.Close()
		if scanErr != nil {
			return nil, totalSkipped, fmt.Errorf("error reading label file: %w", scanErr)
		}
		if skipped > 0 {
			logger.Warn("skipped malformed label lines",
				"image", imageID,
				"count", skipped)
			totalSkipped += skipped
		}
	}
	return truth, totalSkipped, nil
}

// WriteDetections persists per-image detection sets into dir, one file per
// image. Axis-aligned boxes round-trip through the six-token YOLO form;
// oriented quads use the ten-token form.
func WriteDetections(dir string, predictions map[string][]models.Detection) error {
	if err := utils.CreateFolder(dir); err != nil {
		return err
	}

	imageIDs := make([]string, 0, len(predictions))
	for imageID := range predictions {
		imageIDs = append(imageIDs, imageID)
	}
	sort.Strings(imageIDs)

	for _, imageID := range imageIDs {
		path := filepath.Join(dir, imageID+".txt")
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("unable to create detection file %s: %w", path, err)
		}
		writer := bufio.NewWriter(file)
		for _, det := range predictions[imageID] {
			writeDetectionLine(writer, det)
		}
		if err := writer.Flush(); err != nil {
			file.Close()
			return fmt.Errorf("error writing detection file %s: %w", path, err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("error closing detection file %s: %w", path, err)
		}
	}
	return nil
}

func writeDetectionLine(writer *bufio.Writer, det models.Detection) {
	if det.Box.AxisAligned() {
		xMin, yMin, xMax, yMax := det.Box.Bounds()
		cx, cy := (xMin+xMax)/2, (yMin+yMax)/2
		w, h := xMax-xMin, yMax-yMin
		fmt.Fprintf(writer, "%d %.6f %.6f %.6f %.6f %.6f\n",
			det.ClassID, cx, cy, w, h, det.Confidence)
		return
	}
	fmt.Fprintf(writer, "%s %.6f", det.ClassName, det.Confidence)
	for _, p := range det.Box {
		fmt.Fprintf(writer, " %.6f %.6f", p.X, p.Y)
	}
	fmt.Fprintln(writer)
}

func parseFloats(fields []string) ([]float64, bool) {
	values := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
