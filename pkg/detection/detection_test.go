package detection

import "testing"

func TestObject_Label(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
		want string
	}{
		{"named", Object{ClassName: "dog", Confidence: 0.876}, "dog 0.88"},
		{"from class id", Object{ClassID: 0, Confidence: 0.5}, "person 0.50"},
		{"unknown id", Object{ClassID: 99, Confidence: 1}, "class_99 1.00"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.obj.Label(); got != tc.want {
				t.Errorf("Label() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	objs := []Object{
		{ClassName: "person"},
		{ClassName: "dog"},
		{ClassName: "person"},
		{ClassID: 2},
	}
	if got, want := Summary(objs), "2 person, 1 dog, 1 car"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	if got := Summary(nil); got != "no objects" {
		t.Errorf("Summary(nil) = %q", got)
	}
}

func TestClassName(t *testing.T) {
	if len(COCOClasses) != 80 {
		t.Fatalf("COCOClasses has %d entries, want 80", len(COCOClasses))
	}
	if got := ClassName(79); got != "toothbrush" {
		t.Errorf("ClassName(79) = %q", got)
	}
	if got := ClassName(-1); got != "class_-1" {
		t.Errorf("ClassName(-1) = %q", got)
	}
}
