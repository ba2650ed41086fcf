package policy

import "testing"

func TestParsePlacementConstraintDefault(t *testing.T) {
	c, err := ParsePlacementConstraint("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Distinct) != 1 || c.Distinct[0] != "device" {
		t.Fatalf("expected default distinct(device), got %v", c.Distinct)
	}
}

func TestParsePlacementConstraintMultiTerm(t *testing.T) {
	c, err := ParsePlacementConstraint("distinct(rack) and distinct(node)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Distinct) != 2 || c.Distinct[0] != "rack" || c.Distinct[1] != "node" {
		t.Fatalf("unexpected dims: %v", c.Distinct)
	}
}

func TestParsePlacementConstraintInvalid(t *testing.T) {
	if _, err := ParsePlacementConstraint("distinct(rack) or distinct(node)"); err == nil {
		t.Fatalf("expected parse error for unsupported 'or' operator")
	}
}

func TestSatisfies(t *testing.T) {
	c, err := ParsePlacementConstraint("distinct(rack) and distinct(node)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	good := []DeviceLabels{
		{"rack": "r1", "node": "n1"},
		{"rack": "r2", "node": "n2"},
	}
	if !c.Satisfies(good) {
		t.Fatalf("expected distinct racks/nodes to satisfy")
	}

	badRack := []DeviceLabels{
		{"rack": "r1", "node": "n1"},
		{"rack": "r1", "node": "n2"},
	}
	if c.Satisfies(badRack) {
		t.Fatalf("expected shared rack to violate distinctness")
	}
}

func TestSatisfiesDefaultDevice(t *testing.T) {
	c, _ := ParsePlacementConstraint("")
	devices := []DeviceLabels{{"device": "d1"}, {"device": "d2"}}
	if !c.Satisfies(devices) {
		t.Fatalf("expected distinct device ids to satisfy default constraint")
	}
	devices[1]["device"] = "d1"
	if c.Satisfies(devices) {
		t.Fatalf("expected duplicate device id to violate default constraint")
	}
}
