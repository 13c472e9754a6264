package tools

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func interactionTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("click",
				mcplib.WithDescription("Click on an element on the page"),
				mcplib.WithString("selector", mcplib.Required(), mcplib.Description("CSS selector of the element")),
			),
			Handler: selectorAction("click", "Clicked element: %s"),
		},
		{
			Tool: mcplib.NewTool("hover",
				mcplib.WithDescription("Hover over an element on the page"),
				mcplib.WithString("selector", mcplib.Required(), mcplib.Description("CSS selector of the element")),
			),
			Handler: selectorAction("hover", "Hovered over element: %s"),
		},
		{
			Tool: mcplib.NewTool("type",
				mcplib.WithDescription("Type text into an input element"),
				mcplib.WithString("selector", mcplib.Required(), mcplib.Description("CSS selector of the input")),
				mcplib.WithString("text", mcplib.Required(), mcplib.Description("Text to type")),
			),
			Handler: typeText,
		},
		{
			Tool: mcplib.NewTool("scroll",
				mcplib.WithDescription("Scroll the page up, down, left, right, or to a specific element"),
				mcplib.WithString("direction", mcplib.Enum("up", "down", "left", "right")),
				mcplib.WithString("selector", mcplib.Description("Element to scroll into view")),
				mcplib.WithNumber("amount", mcplib.Description("Pixels to scroll in direction")),
			),
			Check:   checkScroll,
			Handler: scroll,
		},
		{
			Tool: mcplib.NewTool("drag",
				mcplib.WithDescription("Drag an element to another element or position"),
				mcplib.WithString("sourceSelector", mcplib.Required()),
				mcplib.WithString("targetSelector"),
				mcplib.WithObject("targetPosition",
					mcplib.Properties(map[string]interface{}{
						"x": map[string]interface{}{"type": "number"},
						"y": map[string]interface{}{"type": "number"},
					}),
					requiredProps("x", "y"),
				),
			),
			Check:   checkDrag,
			Handler: drag,
		},
		{
			Tool: mcplib.NewTool("selectOption",
				mcplib.WithDescription("Select an option from a select element"),
				mcplib.WithString("selector", mcplib.Required()),
				mcplib.WithString("value", mcplib.Description("Option value")),
				mcplib.WithString("label", mcplib.Description("Option label text")),
				mcplib.WithBoolean("multiple", defaultValue(false)),
			),
			Handler: selectOption,
		},
	}
}

func selectorAction(action, status string) Handler {
	return func(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
		selector := args.String("selector")
		if _, err := hc.InvokeBrowserAction(ctx, action, args.Payload("selector")); err != nil {
			return nil, err
		}
		return withSnapshot(ctx, hc, fmt.Sprintf(status, selector)), nil
	}
}

func typeText(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	if _, err := hc.InvokeBrowserAction(ctx, "type", args.Payload("selector", "text")); err != nil {
		return nil, err
	}
	return withSnapshot(ctx, hc, fmt.Sprintf("Typed %q into element: %s", args.String("text"), args.String("selector"))), nil
}

func checkScroll(args Args) error {
	if !args.Has("direction") && !args.Has("selector") {
		return errors.New("either direction or selector must be provided")
	}
	return nil
}

func scroll(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	if _, err := hc.InvokeBrowserAction(ctx, "scroll", args.Payload("direction", "selector", "amount")); err != nil {
		return nil, err
	}
	if args.Has("selector") {
		return TextResult("Scrolled to element: " + args.String("selector")), nil
	}
	if args.Has("amount") {
		return TextResult(fmt.Sprintf("Scrolled %s by %vpx", args.String("direction"), args.Float("amount", 0))), nil
	}
	return TextResult("Scrolled " + args.String("direction")), nil
}

func checkDrag(args Args) error {
	if !args.Has("targetSelector") && !args.Has("targetPosition") {
		return errors.New("either targetSelector or targetPosition must be provided")
	}
	return nil
}

func drag(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	if _, err := hc.InvokeBrowserAction(ctx, "drag", args.Payload("sourceSelector", "targetSelector", "targetPosition")); err != nil {
		return nil, err
	}
	target := args.String("targetSelector")
	if target == "" {
		pos, _ := args["targetPosition"].(map[string]interface{})
		target = fmt.Sprintf("(%v, %v)", pos["x"], pos["y"])
	}
	return withSnapshot(ctx, hc, fmt.Sprintf("Dragged %s to %s", args.String("sourceSelector"), target)), nil
}

func selectOption(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	payload := args.Payload("selector", "value", "label")
	payload["multiple"] = args.Bool("multiple", false)
	if _, err := hc.InvokeBrowserAction(ctx, "selectOption", payload); err != nil {
		return nil, err
	}
	return withSnapshot(ctx, hc, "Selected option in element: "+args.String("selector")), nil
}

func requiredProps(names ...string) mcplib.PropertyOption {
	return func(schema map[string]interface{}) {
		schema["required"] = names
	}
}
